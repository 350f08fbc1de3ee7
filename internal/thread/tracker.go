// Package thread drives the per-conversation timer state machine:
//
//	Idle (no row) -> Debouncing -> Cooldown -> Idle
//
// A thread enters Debouncing when its notification volume inside the
// lookback window reaches the configured threshold. Further activity
// extends the shared deadline, but always relative to when debouncing
// started, so a busy thread cannot postpone its batch forever. When the
// deadline fires the batch is dispatched and the thread rests in Cooldown;
// when cooldown ends the row is deleted and the thread is idle again.
package thread

import (
	"context"
	"fmt"
	"time"

	"harkbot/internal/debounce"
	"harkbot/internal/feed"
	"harkbot/internal/store"
	logx "harkbot/pkg/logx"
)

// lateClamp keeps a timer that arithmetic already put in the past from
// firing instantly; the batch still gets a settle beat.
const lateClamp = time.Minute

const (
	reasonHighTrafficMention = "high_traffic_mention"
	reasonHighTrafficReply   = "high_traffic_reply"
)

// Tracker owns thread_state rows and the lockstep debounce stamps on the
// notification rows beneath them.
type Tracker struct {
	store *store.Store
	cfg   debounce.Config
	log   logx.Logger

	now func() time.Time // test seam
}

func New(st *store.Store, cfg debounce.Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: st, cfg: cfg, now: time.Now, log: log}
}

// Observe reacts to one freshly inserted notification. It reports whether
// the event is now governed by a thread timer (and therefore must not be
// processed individually).
func (t *Tracker) Observe(ctx context.Context, ev feed.Event) (debounced bool, err error) {
	rootURI := ev.RootURI()
	isMention := ev.Reason == feed.ReasonMention

	ts, found, err := t.store.GetThreadState(ctx, rootURI)
	if err != nil {
		return false, fmt.Errorf("thread state for %s: %w", rootURI, err)
	}

	if found {
		switch ts.State {
		case store.ThreadCooldown:
			// Deliberately not re-armed during the quiet period.
			return false, nil
		case store.ThreadDebouncing:
			return true, t.extend(ctx, ts, ev, isMention)
		}
	}

	count, err := t.store.ThreadNotificationCount(ctx, rootURI, t.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("thread count for %s: %w", rootURI, err)
	}
	if count < t.cfg.Threshold {
		return false, nil
	}
	return true, t.arm(ctx, rootURI, count, ev, isMention)
}

// arm transitions Idle -> Debouncing.
func (t *Tracker) arm(ctx context.Context, rootURI string, count int, ev feed.Event, isMention bool) error {
	now := t.now()
	delay := debounce.Delay(count, isMention, t.cfg)
	until := now.Add(delay)

	ts := store.ThreadState{
		RootURI:            rootURI,
		State:              store.ThreadDebouncing,
		DebounceStartedAt:  textTime(now),
		DebounceUntil:      textTime(until),
		NotificationCount:  count,
		LastNotificationAt: ev.IndexedAt,
	}
	if err := t.store.PutThreadState(ctx, ts); err != nil {
		return err
	}

	stamped, err := t.store.ArmThreadDebounce(ctx, rootURI, ts.DebounceUntil, debounceReason(isMention))
	if err != nil {
		return err
	}
	t.log.Info("thread entered debouncing",
		logx.String("root", rootURI),
		logx.Int("count", count),
		logx.Duration("delay", delay),
		logx.Int64("stamped", stamped))
	return nil
}

// extend recomputes the shared deadline from the original start, so the
// deadline is capped no matter how long the burst lasts.
func (t *Tracker) extend(ctx context.Context, ts store.ThreadState, ev feed.Event, isMention bool) error {
	now := t.now()
	startedAt, err := store.ParseTime(ts.DebounceStartedAt)
	if err != nil || startedAt.IsZero() {
		// Legacy row without a start stamp: adopt now, the cap starts here.
		startedAt = now
		ts.DebounceStartedAt = textTime(now)
	}

	newCount := ts.NotificationCount + 1
	until := startedAt.Add(debounce.Delay(newCount, isMention, t.cfg))

	if max := t.maxExtension(isMention); until.After(startedAt.Add(max)) {
		until = startedAt.Add(max)
	}
	if !until.After(now) {
		// The burst outlived its window; give the batch one more beat.
		until = now.Add(lateClamp)
	}

	ts.NotificationCount = newCount
	ts.DebounceUntil = textTime(until)
	ts.LastNotificationAt = ev.IndexedAt
	if err := t.store.PutThreadState(ctx, ts); err != nil {
		return err
	}

	// One logical timer governs the whole thread: every pending row gets
	// the recomputed deadline, in lockstep.
	stamped, err := t.store.ArmThreadDebounce(ctx, ts.RootURI, ts.DebounceUntil, debounceReason(isMention))
	if err != nil {
		return err
	}
	t.log.Debug("thread debounce extended",
		logx.String("root", ts.RootURI),
		logx.Int("count", newCount),
		logx.Time("until", until),
		logx.Int64("stamped", stamped))
	return nil
}

func (t *Tracker) maxExtension(isMention bool) time.Duration {
	if t.cfg.MaxExtension > 0 {
		return t.cfg.MaxExtension
	}
	if isMention {
		return t.cfg.MentionMax
	}
	return t.cfg.ReplyMax
}

// Due lists threads whose shared timer has fired and whose batches should
// be dispatched now.
func (t *Tracker) Due(ctx context.Context) ([]store.ThreadState, error) {
	return t.store.ExpiredDebounces(ctx)
}

// BeginCooldown transitions Debouncing -> Cooldown after a batch dispatch:
// the thread's debounce stamps are cleared and the quiet period starts.
func (t *Tracker) BeginCooldown(ctx context.Context, ts store.ThreadState) error {
	cleared, err := t.store.ClearBatchDebounce(ctx, ts.RootURI)
	if err != nil {
		return err
	}

	now := t.now()
	ts.State = store.ThreadCooldown
	ts.DebounceUntil = ""
	ts.DebounceStartedAt = ""
	ts.CooldownUntil = textTime(now.Add(t.cfg.Cooldown))
	if err := t.store.PutThreadState(ctx, ts); err != nil {
		return err
	}
	t.log.Info("thread entered cooldown",
		logx.String("root", ts.RootURI),
		logx.Int64("cleared", cleared),
		logx.Duration("cooldown", t.cfg.Cooldown))
	return nil
}

// ReapCooldowns transitions Cooldown -> Idle by deleting expired rows.
// Batch history for those threads stays put.
func (t *Tracker) ReapCooldowns(ctx context.Context) (int, error) {
	expired, err := t.store.ExpiredCooldowns(ctx)
	if err != nil {
		return 0, err
	}
	for _, ts := range expired {
		if err := t.store.DeleteThreadState(ctx, ts.RootURI); err != nil {
			return 0, err
		}
		t.log.Debug("thread returned to idle", logx.String("root", ts.RootURI))
	}
	return len(expired), nil
}

func debounceReason(isMention bool) string {
	if isMention {
		return reasonHighTrafficMention
	}
	return reasonHighTrafficReply
}

func textTime(v time.Time) string {
	return v.UTC().Format(time.RFC3339Nano)
}
