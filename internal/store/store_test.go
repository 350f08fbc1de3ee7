package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	logx "harkbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(t *testing.T, offset time.Duration) string {
	t.Helper()
	return time.Now().Add(offset).UTC().Format(time.RFC3339Nano)
}

func mustInsert(t *testing.T, s *Store, n Notification) {
	t.Helper()
	res, err := s.Insert(context.Background(), n)
	if err != nil {
		t.Fatalf("insert %s: %v", n.URI, err)
	}
	if res != InsertAdded {
		t.Fatalf("insert %s: expected added, got duplicate", n.URI)
	}
}

func TestInsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := Notification{URI: "at://a/1", IndexedAt: ts(t, 0), Reason: "mention"}
	mustInsert(t, s, n)

	res, err := s.Insert(ctx, n)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if res != InsertDuplicate {
		t.Fatalf("expected duplicate, got %v", res)
	}

	got, err := s.Get(ctx, n.URI)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestInsertRequiresURI(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Insert(context.Background(), Notification{IndexedAt: ts(t, 0)}); err != ErrMissingURI {
		t.Fatalf("expected ErrMissingURI, got %v", err)
	}
}

func TestInsertTruncatesText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, Notification{
		URI:       "at://a/long",
		IndexedAt: ts(t, 0),
		Text:      strings.Repeat("x", 900),
	})
	got, err := s.Get(ctx, "at://a/long")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Text) != 500 {
		t.Fatalf("expected 500 chars stored, got %d", len(got.Text))
	}

	// Multibyte text truncates on a rune boundary, never mid-sequence.
	mustInsert(t, s, Notification{
		URI:       "at://a/wide",
		IndexedAt: ts(t, 1),
		Text:      strings.Repeat("é", 600),
	})
	got, err = s.Get(ctx, "at://a/wide")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !utf8.ValidString(got.Text) {
		t.Fatal("stored text is not valid utf-8")
	}
	if n := utf8.RuneCountInString(got.Text); n != 500 {
		t.Fatalf("expected 500 runes stored, got %d", n)
	}
}

func TestClaimAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, Notification{URI: "at://a/1", IndexedAt: ts(t, 0)})

	claimed, err := s.MarkInProgress(ctx, "at://a/1")
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.MarkInProgress(ctx, "at://a/1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should not succeed")
	}

	if err := s.Release(ctx, "at://a/1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err = s.MarkInProgress(ctx, "at://a/1")
	if err != nil || !claimed {
		t.Fatalf("claim after release: claimed=%v err=%v", claimed, err)
	}
}

func TestMarkProcessedRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, Notification{URI: "at://a/1", IndexedAt: ts(t, 0)})

	if err := s.MarkProcessed(ctx, "at://a/1", StatusPending, ""); err == nil {
		t.Fatal("expected rejection of non-terminal status")
	}
	if err := s.MarkProcessed(ctx, "at://a/1", StatusNoReply, ""); err != nil {
		t.Fatalf("no_reply transition: %v", err)
	}
	got, _ := s.Get(ctx, "at://a/1")
	if got.ProcessedAt == "" {
		t.Fatal("processed_at not stamped")
	}
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, Notification{URI: "at://a/1", IndexedAt: ts(t, 0)})

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRetry(ctx, "at://a/1")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("retry count: want %d got %d", want, got)
		}
	}
	if _, err := s.IncrementRetry(ctx, "at://missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUnprocessedOrderAndDebounce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, Notification{URI: "at://a/new", IndexedAt: ts(t, -time.Minute)})
	mustInsert(t, s, Notification{URI: "at://a/old", IndexedAt: ts(t, -time.Hour)})
	mustInsert(t, s, Notification{URI: "at://a/held", IndexedAt: ts(t, -2*time.Hour)})
	if err := s.SetDebounce(ctx, "at://a/held", ts(t, time.Hour), "revisit"); err != nil {
		t.Fatalf("set debounce: %v", err)
	}

	got, err := s.GetUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("get unprocessed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible rows, got %d", len(got))
	}
	if got[0].URI != "at://a/old" || got[1].URI != "at://a/new" {
		t.Fatalf("not FIFO: %s, %s", got[0].URI, got[1].URI)
	}

	// Expired debounce becomes eligible again.
	if err := s.SetDebounce(ctx, "at://a/held", ts(t, -time.Second), "revisit"); err != nil {
		t.Fatalf("expire debounce: %v", err)
	}
	got, _ = s.GetUnprocessed(ctx, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 eligible rows after expiry, got %d", len(got))
	}
}

func TestRepresentativePriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"

	mustInsert(t, s, Notification{URI: "at://r/1", IndexedAt: ts(t, -2*time.Minute), Reason: "reply", RootURI: root})
	mustInsert(t, s, Notification{URI: "at://m/1", IndexedAt: ts(t, -time.Minute), Reason: "mention", RootURI: root})
	mustInsert(t, s, Notification{URI: "at://m/0", IndexedAt: ts(t, -3*time.Minute), Reason: "mention", RootURI: root})

	got, found, err := s.NotificationForRoot(ctx, root)
	if err != nil || !found {
		t.Fatalf("representative: found=%v err=%v", found, err)
	}
	// Mention beats the older reply; among mentions the earliest wins.
	if got.URI != "at://m/0" {
		t.Fatalf("expected earliest mention, got %s", got.URI)
	}

	// A terminal error row no longer represents the thread.
	if err := s.MarkProcessed(ctx, "at://m/0", StatusError, "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	got, found, _ = s.NotificationForRoot(ctx, root)
	if !found || got.URI != "at://m/1" {
		t.Fatalf("expected next mention after error, got %s found=%v", got.URI, found)
	}
}

func TestRepresentativeMatchesRootPostItself(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A mention on the root post has uri == the thread root and no root_uri.
	mustInsert(t, s, Notification{URI: "at://thread/root", IndexedAt: ts(t, 0), Reason: "mention"})
	_, found, err := s.NotificationForRoot(ctx, "at://thread/root")
	if err != nil {
		t.Fatalf("representative: %v", err)
	}
	if !found {
		t.Fatal("root post mention should represent its own thread")
	}
}

func TestThreadNotificationCountWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"

	mustInsert(t, s, Notification{URI: "at://r/in", IndexedAt: ts(t, -30*time.Minute), RootURI: root})
	mustInsert(t, s, Notification{URI: "at://r/out", IndexedAt: ts(t, -2*time.Hour), RootURI: root})

	count, err := s.ThreadNotificationCount(ctx, root, time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 inside window, got %d", count)
	}
}

func TestArmThreadDebounceStampsAllPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"
	until := ts(t, 5*time.Minute)

	for i, uri := range []string{"at://r/1", "at://r/2", "at://r/3"} {
		mustInsert(t, s, Notification{URI: uri, IndexedAt: ts(t, time.Duration(-i)*time.Minute), RootURI: root})
	}
	mustInsert(t, s, Notification{URI: "at://other/1", IndexedAt: ts(t, 0), RootURI: "at://other/root"})

	n, err := s.ArmThreadDebounce(ctx, root, until, "high_traffic_reply")
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 stamped rows, got %d", n)
	}

	debounced, err := s.ThreadDebounced(ctx, root)
	if err != nil {
		t.Fatalf("thread debounced: %v", err)
	}
	if len(debounced) != 3 {
		t.Fatalf("expected 3 debounced, got %d", len(debounced))
	}
	for _, d := range debounced {
		if d.DebounceUntil != until {
			t.Fatalf("row %s has deadline %s, want shared %s", d.URI, d.DebounceUntil, until)
		}
		if !d.AutoDebounced || !d.HighTraffic {
			t.Fatalf("row %s missing high-traffic flags", d.URI)
		}
	}

	// Unrelated thread untouched.
	other, _ := s.Get(ctx, "at://other/1")
	if other.AutoDebounced {
		t.Fatal("unrelated row was stamped")
	}
}

func TestRewriteThreadDebounceSkipsClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"

	mustInsert(t, s, Notification{URI: "at://r/1", IndexedAt: ts(t, -time.Minute), RootURI: root})
	mustInsert(t, s, Notification{URI: "at://r/2", IndexedAt: ts(t, 0), RootURI: root})
	if _, err := s.ArmThreadDebounce(ctx, root, ts(t, time.Minute), "high_traffic_reply"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := s.MarkInProgress(ctx, "at://r/1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	later := ts(t, 10*time.Minute)
	n, err := s.RewriteThreadDebounce(ctx, root, later)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the unclaimed row rewritten, got %d", n)
	}
	claimedRow, _ := s.Get(ctx, "at://r/1")
	if claimedRow.DebounceUntil == later {
		t.Fatal("in-flight row must keep its old deadline")
	}
}

func TestClearBatchDebounceExact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"

	mustInsert(t, s, Notification{URI: "at://r/1", IndexedAt: ts(t, -time.Minute), RootURI: root})
	mustInsert(t, s, Notification{URI: "at://r/2", IndexedAt: ts(t, 0), RootURI: root})
	mustInsert(t, s, Notification{URI: "at://r/plain", IndexedAt: ts(t, 0), RootURI: root})
	if err := s.SetAutoDebounce(ctx, "at://r/1", ts(t, time.Minute), "high_traffic_reply", root); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAutoDebounce(ctx, "at://r/2", ts(t, time.Minute), "high_traffic_reply", root); err != nil {
		t.Fatalf("set: %v", err)
	}

	cleared, err := s.ClearBatchDebounce(ctx, root)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected exactly 2 cleared, got %d", cleared)
	}
	for _, uri := range []string{"at://r/1", "at://r/2"} {
		n, _ := s.Get(ctx, uri)
		if n.AutoDebounced || n.DebounceUntil != "" {
			t.Fatalf("row %s not fully cleared", uri)
		}
	}
}

func TestThreadStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetThreadState(ctx, "at://thread/root")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("unexpected state for untracked thread")
	}

	stt := ThreadState{
		RootURI:           "at://thread/root",
		State:             ThreadDebouncing,
		DebounceUntil:     ts(t, -time.Second),
		DebounceStartedAt: ts(t, -time.Minute),
		NotificationCount: 5,
		UpdatedAt:         Now(),
	}
	if err := s.PutThreadState(ctx, stt); err != nil {
		t.Fatalf("put: %v", err)
	}

	due, err := s.ExpiredDebounces(ctx)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(due) != 1 || due[0].RootURI != stt.RootURI {
		t.Fatalf("expected tracked thread due, got %v", due)
	}

	// Upsert to cooldown.
	stt.State = ThreadCooldown
	stt.DebounceUntil = ""
	stt.CooldownUntil = ts(t, -time.Second)
	if err := s.PutThreadState(ctx, stt); err != nil {
		t.Fatalf("put cooldown: %v", err)
	}
	cooled, err := s.ExpiredCooldowns(ctx)
	if err != nil {
		t.Fatalf("cooldowns: %v", err)
	}
	if len(cooled) != 1 {
		t.Fatalf("expected 1 expired cooldown, got %d", len(cooled))
	}

	if err := s.DeleteThreadState(ctx, stt.RootURI); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, _ = s.GetThreadState(ctx, stt.RootURI)
	if found {
		t.Fatal("state should be gone")
	}
}

func TestRecordBatchWatermarkForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := "at://thread/root"

	newer := ts(t, 0)
	older := ts(t, -time.Hour)

	if err := s.RecordBatch(ctx, root, newer); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordBatch(ctx, root, older); err != nil {
		t.Fatalf("record older: %v", err)
	}

	h, found, err := s.GetBatchHistory(ctx, root)
	if err != nil || !found {
		t.Fatalf("history: found=%v err=%v", found, err)
	}
	if h.LastBatchNewestPostIndexedAt != newer {
		t.Fatalf("watermark moved backwards: %s", h.LastBatchNewestPostIndexedAt)
	}
}

func TestSessionCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.UpdateSession(ctx, id, 3, 1, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateSession(ctx, id, 2, 0, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.EndSession(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Processed != 5 || sess.Skipped != 1 || sess.Errored != 1 {
		t.Fatalf("counters not accumulated: %+v", sess)
	}
	if sess.EndedAt == "" {
		t.Fatal("ended_at not stamped")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, Notification{URI: "at://old/done", IndexedAt: ts(t, -48*time.Hour)})
	mustInsert(t, s, Notification{URI: "at://old/pending", IndexedAt: ts(t, -48*time.Hour)})
	mustInsert(t, s, Notification{URI: "at://new/done", IndexedAt: ts(t, -time.Hour)})
	for _, uri := range []string{"at://old/done", "at://new/done"} {
		if err := s.MarkProcessed(ctx, uri, StatusProcessed, ""); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	deleted, err := s.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	// Pending rows are never reaped, however old.
	if _, err := s.Get(ctx, "at://old/pending"); err != nil {
		t.Fatalf("pending row should survive: %v", err)
	}
	if _, err := s.Get(ctx, "at://new/done"); err != nil {
		t.Fatalf("recent row should survive: %v", err)
	}
}

func TestLatestProcessedTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestProcessedTime(ctx)
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty on fresh store, got %q", latest)
	}

	newer := ts(t, -time.Minute)
	mustInsert(t, s, Notification{URI: "at://a/1", IndexedAt: ts(t, -time.Hour)})
	mustInsert(t, s, Notification{URI: "at://a/2", IndexedAt: newer})
	mustInsert(t, s, Notification{URI: "at://a/3", IndexedAt: ts(t, 0)})
	_ = s.MarkProcessed(ctx, "at://a/1", StatusProcessed, "")
	_ = s.MarkProcessed(ctx, "at://a/2", StatusIgnored, "")

	latest, err = s.LatestProcessedTime(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != newer {
		t.Fatalf("expected %s, got %s", newer, latest)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, Notification{URI: "at://a/1", IndexedAt: ts(t, 0)})
	mustInsert(t, s, Notification{URI: "at://a/2", IndexedAt: ts(t, 0)})
	mustInsert(t, s, Notification{URI: "at://a/3", IndexedAt: ts(t, -48*time.Hour)})
	_ = s.MarkProcessed(ctx, "at://a/2", StatusProcessed, "")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.ByStatus[StatusPending] != 2 || st.ByStatus[StatusProcessed] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.Recent24h != 2 {
		t.Fatalf("expected 2 recent, got %d", st.Recent24h)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, Notification{
		URI:       "at://a/1",
		IndexedAt: ts(t, 0),
		Metadata:  Metadata{CID: "bafy123", Labels: []string{"spoiler"}, IsRead: true},
	})
	got, err := s.Get(ctx, "at://a/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.CID != "bafy123" || len(got.Metadata.Labels) != 1 || !got.Metadata.IsRead {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}
