// Package dedup decides whether a new inbound event duplicates a
// conversation the bot is already tracking.
//
// The crux: "already queued" and "already answered" are different things.
// A reply into a thread whose mention is still waiting in the queue adds
// nothing; the whole conversation will be read when the mention runs. A
// reply into a thread whose mention was already answered is a new turn
// and must flow through.
package dedup

import (
	"context"

	"harkbot/internal/feed"
	"harkbot/internal/store"
	logx "harkbot/pkg/logx"
)

// Deduper applies the thread-level suppression policy on top of the store's
// representative lookups.
type Deduper struct {
	store *store.Store
	log   logx.Logger
}

func New(st *store.Store, log logx.Logger) *Deduper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deduper{store: st, log: log}
}

// Verdict explains a suppression decision.
type Verdict struct {
	Suppress bool
	// Existing is the representative notification that caused
	// suppression; zero when Suppress is false.
	Existing store.Notification
}

// Check inspects the event's thread and reports whether ingestion should
// drop it. Only replies are ever suppressed; mentions, follows and reposts
// always pass.
func (d *Deduper) Check(ctx context.Context, ev feed.Event) (Verdict, error) {
	if ev.Reason != feed.ReasonReply {
		return Verdict{}, nil
	}

	// The same post may be surfaced via its parent (direct reply) or its
	// root (thread activity); consult both representatives.
	for _, lookup := range []struct {
		name string
		fn   func(context.Context, string) (store.Notification, bool, error)
		key  string
	}{
		{"parent", d.store.NotificationForParent, ev.ParentURI()},
		{"root", d.store.NotificationForRoot, ev.RootURI()},
	} {
		existing, found, err := lookup.fn(ctx, lookup.key)
		if err != nil {
			return Verdict{}, err
		}
		if !found || existing.URI == ev.URI {
			continue
		}
		if existing.Reason == string(feed.ReasonMention) && existing.Status == store.StatusPending {
			d.log.Info("suppressing reply, thread already queued as pending mention",
				logx.String("by", lookup.name),
				logx.String("existing", existing.URI),
				logx.String("skipped", ev.URI))
			return Verdict{Suppress: true, Existing: existing}, nil
		}
		if existing.Reason == string(feed.ReasonMention) {
			// Mention already resolved: this reply is a new conversation
			// turn, let it through.
			d.log.Debug("not suppressing reply, mention already handled",
				logx.String("status", string(existing.Status)),
				logx.String("uri", ev.URI))
		}
	}
	return Verdict{}, nil
}
