package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "harkbot/pkg/logx"
)

const DefaultService = "https://bsky.social"

// Client talks XRPC to a Bluesky PDS. It implements Source and
// ThreadFetcher and renews its own session on 401.
type Client struct {
	service  string
	handle   string
	password string

	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu      sync.Mutex
	access  string
	refresh string
	did     string
}

type ClientConfig struct {
	Service  string
	Handle   string
	Password string
	// RatePerSec caps outbound XRPC calls. Default 10.
	RatePerSec int
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	svc := strings.TrimRight(strings.TrimSpace(cfg.Service), "/")
	if svc == "" {
		svc = DefaultService
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		service:  svc,
		handle:   cfg.Handle,
		password: cfg.Password,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}
}

// DID returns the authenticated account DID, empty before first login.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// ---- session ----

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

func (c *Client) createSession(ctx context.Context) error {
	body := map[string]string{"identifier": c.handle, "password": c.password}
	var out sessionResponse
	if err := c.call(ctx, http.MethodPost, "com.atproto.server.createSession", nil, body, "", &out); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.mu.Lock()
	c.access, c.refresh, c.did = out.AccessJwt, out.RefreshJwt, out.DID
	c.mu.Unlock()
	c.log.Info("session established", logx.String("handle", out.Handle))
	return nil
}

func (c *Client) refreshSession(ctx context.Context) error {
	c.mu.Lock()
	tok := c.refresh
	c.mu.Unlock()
	if tok == "" {
		return c.createSession(ctx)
	}
	var out sessionResponse
	err := c.call(ctx, http.MethodPost, "com.atproto.server.refreshSession", nil, nil, tok, &out)
	if err != nil {
		// Refresh token expired or revoked; fall back to a full login.
		c.log.Warn("session refresh failed, re-authenticating", logx.Err(err))
		return c.createSession(ctx)
	}
	c.mu.Lock()
	c.access, c.refresh, c.did = out.AccessJwt, out.RefreshJwt, out.DID
	c.mu.Unlock()
	return nil
}

// authed runs one authenticated call, establishing or renewing the
// session as needed. A single 401 retry is allowed per call.
func (c *Client) authed(ctx context.Context, method, nsid string, q url.Values, body, out any) error {
	c.mu.Lock()
	tok := c.access
	c.mu.Unlock()
	if tok == "" {
		if err := c.createSession(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		tok = c.access
		c.mu.Unlock()
	}

	err := c.call(ctx, method, nsid, q, body, tok, out)
	if err == nil {
		return nil
	}
	var se *statusError
	if !asStatus(err, &se) || se.code != http.StatusUnauthorized {
		return err
	}
	if err := c.refreshSession(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	tok = c.access
	c.mu.Unlock()
	return c.call(ctx, method, nsid, q, body, tok, out)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("xrpc status %d: %s", e.code, e.body)
}

func asStatus(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (c *Client) call(ctx context.Context, method, nsid string, q url.Values, body any, bearer string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.service + "/xrpc/" + nsid
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- Source ----

type listNotificationsResponse struct {
	Notifications []wireNotification `json:"notifications"`
	Cursor        string             `json:"cursor"`
}

type wireNotification struct {
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Author    Author          `json:"author"`
	Reason    string          `json:"reason"`
	Record    json.RawMessage `json:"record"`
	IsRead    bool            `json:"isRead"`
	IndexedAt string          `json:"indexedAt"`
	Labels    []wireLabel     `json:"labels"`
}

type wireLabel struct {
	Val string `json:"val"`
}

func (c *Client) ListNotifications(ctx context.Context, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out listNotificationsResponse
	if err := c.authed(ctx, http.MethodGet, "app.bsky.notification.listNotifications", q, nil, &out); err != nil {
		return Page{}, err
	}

	events := make([]Event, 0, len(out.Notifications))
	for _, wn := range out.Notifications {
		ev := Event{
			URI:       wn.URI,
			CID:       wn.CID,
			IndexedAt: wn.IndexedAt,
			Reason:    Reason(wn.Reason),
			Author:    wn.Author,
			IsRead:    wn.IsRead,
		}
		for _, l := range wn.Labels {
			ev.Labels = append(ev.Labels, l.Val)
		}
		if len(wn.Record) > 0 {
			var rec Record
			if err := json.Unmarshal(wn.Record, &rec); err == nil {
				ev.Record = &rec
			}
		}
		events = append(events, ev)
	}
	return Page{Events: events, Cursor: out.Cursor}, nil
}

func (c *Client) UpdateSeen(ctx context.Context, seenAt time.Time) error {
	body := map[string]string{"seenAt": seenAt.UTC().Format(time.RFC3339Nano)}
	return c.authed(ctx, http.MethodPost, "app.bsky.notification.updateSeen", nil, body, nil)
}

// ---- ThreadFetcher ----

type threadResponse struct {
	Thread *threadNode `json:"thread"`
}

type threadNode struct {
	Post    *threadPost   `json:"post"`
	Parent  *threadNode   `json:"parent"`
	Replies []*threadNode `json:"replies"`
}

type threadPost struct {
	URI       string `json:"uri"`
	CID       string `json:"cid"`
	Author    Author `json:"author"`
	IndexedAt string `json:"indexedAt"`
	Record    struct {
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
	} `json:"record"`
}

// FetchThread returns the full conversation under rootURI flattened into
// chronological order.
func (c *Client) FetchThread(ctx context.Context, rootURI string) ([]Post, error) {
	q := url.Values{
		"uri":   {rootURI},
		"depth": {"100"},
	}
	var out threadResponse
	if err := c.authed(ctx, http.MethodGet, "app.bsky.feed.getPostThread", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Thread == nil {
		return nil, fmt.Errorf("thread %s: empty response", rootURI)
	}

	var posts []Post
	seen := map[string]struct{}{}
	flattenThread(out.Thread, seen, &posts)
	sort.SliceStable(posts, func(i, j int) bool {
		ti, tj := posts[i].CreatedAt, posts[j].CreatedAt
		if ti == "" {
			ti = posts[i].IndexedAt
		}
		if tj == "" {
			tj = posts[j].IndexedAt
		}
		return ti < tj
	})
	return posts, nil
}

func flattenThread(n *threadNode, seen map[string]struct{}, out *[]Post) {
	if n == nil {
		return
	}
	if n.Parent != nil {
		flattenThread(n.Parent, seen, out)
	}
	if p := n.Post; p != nil {
		if _, dup := seen[p.URI]; !dup && p.URI != "" {
			seen[p.URI] = struct{}{}
			*out = append(*out, Post{
				URI:       p.URI,
				CID:       p.CID,
				Author:    p.Author,
				Text:      p.Record.Text,
				CreatedAt: p.Record.CreatedAt,
				IndexedAt: p.IndexedAt,
			})
		}
	}
	for _, r := range n.Replies {
		flattenThread(r, seen, out)
	}
}
