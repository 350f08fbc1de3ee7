package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "harkbot/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		Service:    srv.URL,
		Handle:     "bot.bsky.social",
		Password:   "pw",
		RatePerSec: 1000,
	}, logx.Nop())
}

func sessionJSON(access, refresh string) map[string]string {
	return map[string]string{
		"accessJwt":  access,
		"refreshJwt": refresh,
		"did":        "did:plc:bot",
		"handle":     "bot.bsky.social",
	}
}

func TestListNotificationsEstablishesSession(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identifier"] != "bot.bsky.social" || body["password"] != "pw" {
			t.Errorf("login body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(sessionJSON("tok-1", "ref-1"))
	})
	mux.HandleFunc("/xrpc/app.bsky.notification.listNotifications", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cursor": "next",
			"notifications": []map[string]any{{
				"uri":       "at://n/1",
				"cid":       "cid1",
				"reason":    "mention",
				"indexedAt": "2026-08-29T10:00:00Z",
				"author":    map[string]string{"handle": "a.bsky.social", "did": "did:plc:a"},
				"record":    map[string]any{"text": "hi @bot"},
				"labels":    []map[string]string{{"val": "spam"}},
			}},
		})
	})

	c := newTestClient(t, mux)
	page, err := c.ListNotifications(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if page.Cursor != "next" || len(page.Events) != 1 {
		t.Fatalf("page: %+v", page)
	}
	ev := page.Events[0]
	if ev.Reason != ReasonMention || ev.Text() != "hi @bot" {
		t.Fatalf("event: %+v", ev)
	}
	if len(ev.Labels) != 1 || ev.Labels[0] != "spam" {
		t.Fatalf("labels: %v", ev.Labels)
	}
	if c.DID() != "did:plc:bot" {
		t.Fatalf("did = %q", c.DID())
	}
}

func TestExpiredTokenRefreshesOnce(t *testing.T) {
	var logins, refreshes, lists atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(sessionJSON("stale", "ref-1"))
	})
	mux.HandleFunc("/xrpc/com.atproto.server.refreshSession", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		if r.Header.Get("Authorization") != "Bearer ref-1" {
			t.Errorf("refresh auth %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(sessionJSON("fresh", "ref-2"))
	})
	mux.HandleFunc("/xrpc/app.bsky.notification.listNotifications", func(w http.ResponseWriter, r *http.Request) {
		lists.Add(1)
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"notifications": []any{}})
	})

	c := newTestClient(t, mux)
	if _, err := c.ListNotifications(context.Background(), "", 10); err != nil {
		t.Fatalf("list: %v", err)
	}
	if logins.Load() != 1 || refreshes.Load() != 1 || lists.Load() != 2 {
		t.Fatalf("logins=%d refreshes=%d lists=%d", logins.Load(), refreshes.Load(), lists.Load())
	}
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionJSON("tok", "ref"))
	})
	mux.HandleFunc("/xrpc/app.bsky.notification.updateSeen", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	c := newTestClient(t, mux)
	err := c.UpdateSeen(context.Background(), time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected error")
	}
	var se *statusError
	if !asStatus(err, &se) || se.code != http.StatusBadGateway {
		t.Fatalf("error %v", err)
	}
}

func TestFetchThreadFlattensChronologically(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionJSON("tok", "ref"))
	})
	mux.HandleFunc("/xrpc/app.bsky.feed.getPostThread", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uri") != "at://thread/root" {
			t.Errorf("uri = %q", r.URL.Query().Get("uri"))
		}
		post := func(uri, created string) map[string]any {
			return map[string]any{
				"uri":       uri,
				"indexedAt": created,
				"author":    map[string]string{"handle": "a.bsky.social"},
				"record":    map[string]any{"text": uri, "createdAt": created},
			}
		}
		// Root with two replies, the later one listed first; the root is
		// repeated as a reply's parent and must not appear twice.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"thread": map[string]any{
				"post": post("at://p/root", "2026-08-29T10:00:00Z"),
				"replies": []any{
					map[string]any{
						"post":   post("at://p/2", "2026-08-29T10:02:00Z"),
						"parent": map[string]any{"post": post("at://p/root", "2026-08-29T10:00:00Z")},
					},
					map[string]any{"post": post("at://p/1", "2026-08-29T10:01:00Z")},
				},
			},
		})
	})

	c := newTestClient(t, mux)
	posts, err := c.FetchThread(context.Background(), "at://thread/root")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"at://p/root", "at://p/1", "at://p/2"}
	if len(posts) != len(want) {
		t.Fatalf("got %d posts", len(posts))
	}
	for i, uri := range want {
		if posts[i].URI != uri {
			t.Fatalf("posts[%d] = %s, want %s", i, posts[i].URI, uri)
		}
	}
}

func TestEventRootAndParentFallBackToSelf(t *testing.T) {
	plain := Event{URI: "at://n/1"}
	if plain.RootURI() != "at://n/1" || plain.ParentURI() != "at://n/1" {
		t.Fatalf("fallbacks: root=%s parent=%s", plain.RootURI(), plain.ParentURI())
	}
	reply := Event{
		URI: "at://n/2",
		Record: &Record{Reply: &ReplyRefs{
			Parent: &Ref{URI: "at://p/x"},
			Root:   &Ref{URI: "at://p/root"},
		}},
	}
	if reply.RootURI() != "at://p/root" || reply.ParentURI() != "at://p/x" {
		t.Fatalf("refs: root=%s parent=%s", reply.RootURI(), reply.ParentURI())
	}
}
