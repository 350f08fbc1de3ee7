// Package batch assembles the multi-post dispatch payload for a
// high-traffic thread whose debounce timer has expired.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"harkbot/internal/dispatch"
	"harkbot/internal/feed"
	"harkbot/internal/store"
	logx "harkbot/pkg/logx"
)

var (
	// ErrEmpty means the timer fired but no debounced notifications
	// remain (raced away or already handled).
	ErrEmpty = errors.New("batch: no debounced notifications for thread")

	// ErrSingleItem means thread activity died down during the debounce:
	// the one survivor should flow through the single-notification path
	// instead of a batch.
	ErrSingleItem = errors.New("batch: only one notification left")
)

const previewLen = 100

// Config tunes extraction.
type Config struct {
	// MinBatchSize is the notification count below which batch dispatch
	// falls back to single processing. Minimum effective value is 2.
	MinBatchSize int
}

// Extractor builds dispatch payloads from the store plus a thread fetch.
type Extractor struct {
	store   *store.Store
	fetcher feed.ThreadFetcher
	cfg     Config
	log     logx.Logger
}

func New(st *store.Store, fetcher feed.ThreadFetcher, cfg Config, log logx.Logger) *Extractor {
	if cfg.MinBatchSize < 2 {
		cfg.MinBatchSize = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{store: st, fetcher: fetcher, cfg: cfg, log: log}
}

// Extract assembles the payload for one expired thread and returns the
// notifications it covers. The caller claims/finalizes those rows.
//
// Posts at or before the thread's delivery watermark are filtered out:
// after an Idle reset, a later batch presents only what the responder has
// not seen yet.
func (e *Extractor) Extract(ctx context.Context, ts store.ThreadState) (dispatch.BatchDispatch, []store.Notification, error) {
	notifs, err := e.store.ThreadDebounced(ctx, ts.RootURI)
	if err != nil {
		return dispatch.BatchDispatch{}, nil, fmt.Errorf("load debounced: %w", err)
	}
	if len(notifs) == 0 {
		return dispatch.BatchDispatch{}, nil, ErrEmpty
	}
	if len(notifs) < e.cfg.MinBatchSize {
		return dispatch.BatchDispatch{}, notifs, ErrSingleItem
	}

	posts, err := e.fetcher.FetchThread(ctx, ts.RootURI)
	if err != nil {
		return dispatch.BatchDispatch{}, nil, fmt.Errorf("fetch thread %s: %w", ts.RootURI, err)
	}

	history, _, err := e.store.GetBatchHistory(ctx, ts.RootURI)
	if err != nil {
		return dispatch.BatchDispatch{}, nil, fmt.Errorf("batch history: %w", err)
	}
	watermark := history.LastBatchNewestPostIndexedAt

	presentable := make([]feed.Post, 0, len(posts))
	newest := ""
	for _, p := range posts {
		if watermark != "" && p.IndexedAt != "" && p.IndexedAt <= watermark {
			continue
		}
		presentable = append(presentable, p)
		if p.IndexedAt > newest {
			newest = p.IndexedAt
		}
	}
	sort.SliceStable(presentable, func(i, j int) bool {
		return postTime(presentable[i]) < postTime(presentable[j])
	})
	if newest == "" {
		// Thread fetch came back stale; fall back to the notifications'
		// own timestamps so the watermark still advances.
		for _, n := range notifs {
			if n.IndexedAt > newest {
				newest = n.IndexedAt
			}
		}
	}

	table := metadataTable(presentable)
	summary := notificationSummary(notifs)

	d := dispatch.BatchDispatch{
		RootURI:             ts.RootURI,
		ThreadContext:       presentable,
		MetadataTable:       table,
		NotificationSummary: summary,
		NotificationCount:   len(notifs),
		Prompt:              renderPrompt(len(notifs), len(presentable), table, summary),
		NewestPostIndexedAt: newest,
	}

	e.log.Info("batch extracted",
		logx.String("root", ts.RootURI),
		logx.Int("notifications", len(notifs)),
		logx.Int("posts", len(presentable)))
	return d, notifs, nil
}

// Commit advances the thread's delivery watermark after a successful
// dispatch.
func (e *Extractor) Commit(ctx context.Context, d dispatch.BatchDispatch) error {
	return e.store.RecordBatch(ctx, d.RootURI, d.NewestPostIndexedAt)
}

func postTime(p feed.Post) string {
	if p.CreatedAt != "" {
		return p.CreatedAt
	}
	return p.IndexedAt
}

func metadataTable(posts []feed.Post) string {
	entries := make([]string, 0, len(posts))
	for i, p := range posts {
		entries = append(entries, fmt.Sprintf(
			"[Post %d] @%s at %s\n  URI: %s\n  CID: %s\n  Text: %s",
			i+1, orUnknown(p.Author.Handle), orUnknown(postTime(p)),
			orUnknown(p.URI), orUnknown(p.CID), preview(p.Text)))
	}
	return strings.Join(entries, "\n\n")
}

func notificationSummary(notifs []store.Notification) string {
	lines := make([]string, 0, len(notifs))
	for _, n := range notifs {
		lines = append(lines, fmt.Sprintf("- [%s] @%s (%s): %s",
			n.IndexedAt, orUnknown(n.AuthorHandle), orUnknown(n.Reason), preview(n.Text)))
	}
	return strings.Join(lines, "\n")
}

func renderPrompt(notifCount, postCount int, table, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is a HIGH-TRAFFIC THREAD that generated %d notifications during the debounce period.\n\n", notifCount)
	fmt.Fprintf(&b, "POST METADATA (%d posts, chronological):\n%s\n\n", postCount, table)
	fmt.Fprintf(&b, "NOTIFICATIONS RECEIVED (%d total):\n%s\n\n", notifCount, summary)
	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString("- Review the complete thread context to understand the conversation\n")
	b.WriteString("- You may respond to any of the listed posts, referencing them by Post number\n")
	b.WriteString("- You may act on zero to " + fmt.Sprint(postCount) + " posts; you are never required to answer exactly one\n")
	b.WriteString("- Skipping the thread entirely is a valid choice")
	return b.String()
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen-3]) + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
