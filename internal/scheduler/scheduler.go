// Package scheduler runs the single-threaded polling loop: drain the
// queue, fetch new notifications, ingest them, drain again. All dispatch
// goes through here, so store writes never race.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"harkbot/internal/alert"
	"harkbot/internal/batch"
	"harkbot/internal/dedup"
	"harkbot/internal/dispatch"
	"harkbot/internal/feed"
	"harkbot/internal/store"
	"harkbot/internal/thread"
	logx "harkbot/pkg/logx"
)

const (
	drainLimit = 25

	// Queue depth thresholds for the maintenance health check.
	pendingWarnDepth = 50
	errorWarnDepth   = 20
)

type Config struct {
	PollInterval time.Duration
	PageLimit    int
	MaxPages     int
	RetryMax     int

	// SelfHandle filters out the bot's own posts from the feed.
	SelfHandle string

	MaintenanceSchedule string
	Location            *time.Location
	Retention           time.Duration
}

// Scheduler owns the loop. All collaborators are injected so tests can
// drive a cycle directly with fakes.
type Scheduler struct {
	store     *store.Store
	source    feed.Source
	fetcher   feed.ThreadFetcher
	dedup     *dedup.Deduper
	tracker   *thread.Tracker
	extractor *batch.Extractor
	responder dispatch.Responder
	alerts    *alert.Notifier
	cfg       Config
	log       logx.Logger

	now func() time.Time // test seam

	sessionID int64
	halted    bool
}

func New(
	st *store.Store,
	source feed.Source,
	fetcher feed.ThreadFetcher,
	dd *dedup.Deduper,
	tracker *thread.Tracker,
	extractor *batch.Extractor,
	responder dispatch.Responder,
	alerts *alert.Notifier,
	cfg Config,
	log logx.Logger,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:     st,
		source:    source,
		fetcher:   fetcher,
		dedup:     dd,
		tracker:   tracker,
		extractor: extractor,
		responder: responder,
		alerts:    alerts,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled or the responder requests a halt. A
// failed cycle doubles the sleep before the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	id, err := s.store.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.sessionID = id
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.EndSession(endCtx, id); err != nil {
			s.log.Warn("end session failed", logx.Err(err))
		}
	}()

	cr, err := s.startMaintenance(ctx)
	if err != nil {
		return err
	}
	if cr != nil {
		defer cr.Stop()
	}

	s.log.Info("scheduler started",
		logx.Int64("session", id),
		logx.Duration("interval", s.cfg.PollInterval))

	for {
		err := s.Cycle(ctx)
		if s.halted {
			s.log.Info("halt requested, stopping after current cycle")
			return nil
		}

		sleep := s.cfg.PollInterval
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("cycle failed", logx.Err(err))
			sleep = 2 * s.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (s *Scheduler) startMaintenance(ctx context.Context) (*cron.Cron, error) {
	if s.cfg.MaintenanceSchedule == "" {
		return nil, nil
	}
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cr := cron.New(cron.WithLocation(loc))
	_, err := cr.AddFunc(s.cfg.MaintenanceSchedule, func() {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		s.Maintenance(mctx)
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	cr.Start()
	return cr, nil
}

// Cycle is one full pass: expire cooldowns, fire due batches, drain
// singles, fetch and ingest new events, drain again.
func (s *Scheduler) Cycle(ctx context.Context) error {
	var counters sessionDelta
	defer s.flushCounters(ctx, &counters)

	if _, err := s.tracker.ReapCooldowns(ctx); err != nil {
		return fmt.Errorf("reap cooldowns: %w", err)
	}

	if err := s.fireDueBatches(ctx, &counters); err != nil {
		return err
	}
	if s.halted {
		return nil
	}

	if err := s.drain(ctx, &counters); err != nil {
		return err
	}
	if s.halted {
		return nil
	}

	fetchErr := s.fetchAndIngest(ctx, &counters)

	if err := s.drain(ctx, &counters); err != nil {
		return err
	}

	return fetchErr
}

type sessionDelta struct {
	processed int
	skipped   int
	errored   int
}

func (s *Scheduler) flushCounters(ctx context.Context, d *sessionDelta) {
	if s.sessionID == 0 || (d.processed == 0 && d.skipped == 0 && d.errored == 0) {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.store.UpdateSession(ctx, s.sessionID, d.processed, d.skipped, d.errored); err != nil {
		s.log.Warn("session counter update failed", logx.Err(err))
	}
}

// ---- ingestion ----

func (s *Scheduler) fetchAndIngest(ctx context.Context, counters *sessionDelta) error {
	latest, err := s.store.LatestProcessedTime(ctx)
	if err != nil {
		return fmt.Errorf("latest processed: %w", err)
	}

	events, fetchErr := s.fetchPages(ctx)
	// A mid-pagination failure still leaves earlier pages usable; ingest
	// what we have and report the error afterwards.
	if len(events) > 0 {
		if err := s.source.UpdateSeen(ctx, s.now()); err != nil {
			s.log.Warn("update seen failed", logx.Err(err))
		}
	}

	for _, ev := range events {
		if s.skipEvent(ev, latest) {
			continue
		}
		if err := s.ingest(ctx, ev, counters); err != nil {
			s.log.Error("ingest failed", logx.String("uri", ev.URI), logx.Err(err))
			counters.errored++
		}
	}

	if fetchErr != nil {
		return fmt.Errorf("fetch notifications: %w", fetchErr)
	}
	return nil
}

func (s *Scheduler) fetchPages(ctx context.Context) ([]feed.Event, error) {
	var events []feed.Event
	cursor := ""
	for page := 0; page < s.cfg.MaxPages; page++ {
		p, err := s.source.ListNotifications(ctx, cursor, s.cfg.PageLimit)
		if err != nil {
			return events, err
		}
		events = append(events, p.Events...)
		if p.Cursor == "" {
			return events, nil
		}
		cursor = p.Cursor
	}
	s.log.Warn("pagination cap reached, deferring remainder to next cycle",
		logx.Int("pages", s.cfg.MaxPages))
	return events, nil
}

func (s *Scheduler) skipEvent(ev feed.Event, latestProcessed string) bool {
	if ev.Reason == feed.ReasonLike {
		return true
	}
	if s.cfg.SelfHandle != "" && strings.EqualFold(ev.Author.Handle, s.cfg.SelfHandle) {
		return true
	}
	// Everything at or before the newest processed timestamp was already
	// handled in an earlier session.
	if latestProcessed != "" && ev.IndexedAt != "" && ev.IndexedAt <= latestProcessed {
		return true
	}
	return false
}

func (s *Scheduler) ingest(ctx context.Context, ev feed.Event, counters *sessionDelta) error {
	verdict, err := s.dedup.Check(ctx, ev)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}

	res, err := s.store.Insert(ctx, toNotification(ev))
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if res == store.InsertDuplicate {
		return nil
	}

	if verdict.Suppress {
		msg := "duplicate of " + verdict.Existing.URI
		if err := s.store.MarkProcessed(ctx, ev.URI, store.StatusIgnored, msg); err != nil {
			return fmt.Errorf("mark suppressed: %w", err)
		}
		counters.skipped++
		return nil
	}

	debounced, err := s.tracker.Observe(ctx, ev)
	if err != nil {
		return fmt.Errorf("thread observe: %w", err)
	}
	if debounced {
		s.log.Debug("notification held by thread timer",
			logx.String("uri", ev.URI),
			logx.String("root", ev.RootURI()))
	}
	return nil
}

func toNotification(ev feed.Event) store.Notification {
	return store.Notification{
		URI:          ev.URI,
		IndexedAt:    ev.IndexedAt,
		Status:       store.StatusPending,
		Reason:       string(ev.Reason),
		AuthorHandle: ev.Author.Handle,
		AuthorDID:    ev.Author.DID,
		Text:         ev.Text(),
		ParentURI:    ev.ParentURI(),
		RootURI:      ev.RootURI(),
		Metadata: store.Metadata{
			CID:    ev.CID,
			Labels: ev.Labels,
			IsRead: ev.IsRead,
		},
	}
}

// ---- single dispatch ----

func (s *Scheduler) drain(ctx context.Context, counters *sessionDelta) error {
	for {
		notifs, err := s.store.GetUnprocessed(ctx, drainLimit)
		if err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
		if len(notifs) == 0 {
			return nil
		}
		for _, n := range notifs {
			if ctx.Err() != nil {
				return nil
			}
			s.processSingle(ctx, n, counters)
			if s.halted {
				return nil
			}
		}
		if len(notifs) < drainLimit {
			return nil
		}
	}
}

func (s *Scheduler) processSingle(ctx context.Context, n store.Notification, counters *sessionDelta) {
	claimed, err := s.store.MarkInProgress(ctx, n.URI)
	if err != nil {
		s.log.Error("claim failed", logx.String("uri", n.URI), logx.Err(err))
		counters.errored++
		return
	}
	if !claimed {
		return
	}

	posts, err := s.fetcher.FetchThread(ctx, n.RootURI)
	if err != nil {
		s.log.Warn("thread fetch failed, releasing",
			logx.String("uri", n.URI), logx.Err(err))
		s.release(ctx, n.URI)
		return
	}

	result, err := s.responder.RespondSingle(ctx, dispatch.SingleDispatch{
		ThreadContext:  posts,
		TriggeringText: n.Text,
		Author:         feed.Author{Handle: n.AuthorHandle, DID: n.AuthorDID},
		URI:            n.URI,
		Reason:         n.Reason,
	})
	if err != nil {
		s.handleDispatchError(ctx, n.URI, err, counters)
		return
	}

	if result.Halt {
		s.halted = true
	}
	if result.Debounce != nil {
		s.applySingleDebounce(ctx, n.URI, *result.Debounce)
		return
	}

	if err := s.store.MarkProcessed(ctx, n.URI, statusForResult(result.Kind), ""); err != nil {
		s.log.Error("finalize failed", logx.String("uri", n.URI), logx.Err(err))
		counters.errored++
		return
	}
	counters.processed++
}

func (s *Scheduler) applySingleDebounce(ctx context.Context, uri string, req dispatch.DebounceRequest) {
	until := s.now().Add(req.For).UTC().Format(time.RFC3339Nano)
	if err := s.store.SetDebounce(ctx, uri, until, req.Reason); err != nil {
		s.log.Error("debounce request failed", logx.String("uri", uri), logx.Err(err))
	}
	s.release(ctx, uri)
	s.log.Info("notification re-armed at responder request",
		logx.String("uri", uri),
		logx.Duration("for", req.For),
		logx.String("reason", req.Reason))
}

// handleDispatchError applies the retry policy for one failed dispatch.
//
// Unknown failures leave the row pending with no retry charge: we cannot
// tell whether the work happened, so neither burning a retry nor marking
// terminal is safe.
func (s *Scheduler) handleDispatchError(ctx context.Context, uri string, dispatchErr error, counters *sessionDelta) {
	switch dispatch.Classify(dispatchErr) {
	case dispatch.ClassPermanent:
		s.markTerminal(ctx, uri, 0, dispatchErr)
		counters.errored++
	case dispatch.ClassTransient:
		retries, err := s.store.IncrementRetry(ctx, uri)
		if err != nil {
			s.log.Error("retry accounting failed", logx.String("uri", uri), logx.Err(err))
			s.release(ctx, uri)
			counters.errored++
			return
		}
		if retries >= s.cfg.RetryMax {
			s.markTerminal(ctx, uri, retries, dispatchErr)
			counters.errored++
			return
		}
		s.log.Warn("transient dispatch failure, will retry",
			logx.String("uri", uri),
			logx.Int("retries", retries),
			logx.Err(dispatchErr))
		s.release(ctx, uri)
	default:
		s.log.Warn("unclassified dispatch failure, leaving pending",
			logx.String("uri", uri), logx.Err(dispatchErr))
		s.release(ctx, uri)
	}
}

func (s *Scheduler) markTerminal(ctx context.Context, uri string, retries int, cause error) {
	if err := s.store.MarkProcessed(ctx, uri, store.StatusError, cause.Error()); err != nil {
		s.log.Error("terminal mark failed", logx.String("uri", uri), logx.Err(err))
	}
	s.log.Error("dispatch failed permanently",
		logx.String("uri", uri),
		logx.Int("retries", retries),
		logx.Err(cause))
	s.alerts.TerminalFailure(ctx, uri, retries, cause)
}

func (s *Scheduler) release(ctx context.Context, uri string) {
	if err := s.store.Release(ctx, uri); err != nil {
		s.log.Error("release failed", logx.String("uri", uri), logx.Err(err))
	}
}

func statusForResult(kind dispatch.ResultKind) store.Status {
	switch kind {
	case dispatch.ResultIgnored:
		return store.StatusIgnored
	case dispatch.ResultNoReply:
		return store.StatusNoReply
	default:
		return store.StatusProcessed
	}
}

// ---- batch dispatch ----

func (s *Scheduler) fireDueBatches(ctx context.Context, counters *sessionDelta) error {
	due, err := s.tracker.Due(ctx)
	if err != nil {
		return fmt.Errorf("due threads: %w", err)
	}
	for _, ts := range due {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.fireBatch(ctx, ts, counters); err != nil {
			s.log.Error("batch dispatch failed",
				logx.String("root", ts.RootURI), logx.Err(err))
			counters.errored++
		}
		if s.halted {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) fireBatch(ctx context.Context, ts store.ThreadState, counters *sessionDelta) error {
	d, notifs, err := s.extractor.Extract(ctx, ts)
	switch {
	case errors.Is(err, batch.ErrEmpty):
		// Timer fired over nothing. Drop the thread row.
		return s.store.DeleteThreadState(ctx, ts.RootURI)
	case errors.Is(err, batch.ErrSingleItem):
		// Activity died down. Downgrade to normal single processing.
		for _, n := range notifs {
			if err := s.store.ClearHighTrafficFlags(ctx, n.URI); err != nil {
				return fmt.Errorf("downgrade %s: %w", n.URI, err)
			}
		}
		s.log.Info("thread settled to a single notification, downgrading",
			logx.String("root", ts.RootURI))
		return s.store.DeleteThreadState(ctx, ts.RootURI)
	case err != nil:
		return err
	}

	claimed := make([]store.Notification, 0, len(notifs))
	for _, n := range notifs {
		ok, err := s.store.MarkInProgress(ctx, n.URI)
		if err != nil {
			s.releaseAll(ctx, claimed)
			return fmt.Errorf("claim %s: %w", n.URI, err)
		}
		if ok {
			claimed = append(claimed, n)
		}
	}
	if len(claimed) == 0 {
		return s.store.DeleteThreadState(ctx, ts.RootURI)
	}

	result, err := s.responder.RespondBatch(ctx, d)
	if err != nil {
		s.handleBatchError(ctx, claimed, err, counters)
		return nil
	}

	if result.Halt {
		s.halted = true
	}
	if result.Debounce != nil {
		s.rearmBatch(ctx, ts, claimed, *result.Debounce)
		return nil
	}

	status := statusForResult(result.Kind)
	for _, n := range claimed {
		if err := s.store.MarkProcessed(ctx, n.URI, status, ""); err != nil {
			s.log.Error("batch finalize failed", logx.String("uri", n.URI), logx.Err(err))
			counters.errored++
			continue
		}
		counters.processed++
	}

	if err := s.extractor.Commit(ctx, d); err != nil {
		s.log.Error("watermark advance failed",
			logx.String("root", d.RootURI), logx.Err(err))
	}
	if err := s.tracker.BeginCooldown(ctx, ts); err != nil {
		return fmt.Errorf("begin cooldown: %w", err)
	}
	s.log.Info("batch dispatched",
		logx.String("root", d.RootURI),
		logx.Int("notifications", len(claimed)),
		logx.String("outcome", fmt.Sprint(result.Kind)))
	return nil
}

func (s *Scheduler) handleBatchError(ctx context.Context, claimed []store.Notification, dispatchErr error, counters *sessionDelta) {
	switch dispatch.Classify(dispatchErr) {
	case dispatch.ClassPermanent:
		for _, n := range claimed {
			s.markTerminal(ctx, n.URI, n.RetryCount, dispatchErr)
			counters.errored++
		}
	case dispatch.ClassTransient:
		for _, n := range claimed {
			retries, err := s.store.IncrementRetry(ctx, n.URI)
			if err != nil {
				s.log.Error("retry accounting failed", logx.String("uri", n.URI), logx.Err(err))
				s.release(ctx, n.URI)
				continue
			}
			if retries >= s.cfg.RetryMax {
				s.markTerminal(ctx, n.URI, retries, dispatchErr)
				counters.errored++
				continue
			}
			s.release(ctx, n.URI)
		}
	default:
		s.releaseAll(ctx, claimed)
	}
}

// rearmBatch handles a responder-requested revisit: the claimed rows go
// back to pending and the whole thread's timer moves out together.
func (s *Scheduler) rearmBatch(ctx context.Context, ts store.ThreadState, claimed []store.Notification, req dispatch.DebounceRequest) {
	s.releaseAll(ctx, claimed)
	until := s.now().Add(req.For).UTC().Format(time.RFC3339Nano)
	ts.DebounceUntil = until
	ts.UpdatedAt = store.Now()
	if err := s.store.PutThreadState(ctx, ts); err != nil {
		s.log.Error("thread re-arm failed", logx.String("root", ts.RootURI), logx.Err(err))
		return
	}
	if _, err := s.store.RewriteThreadDebounce(ctx, ts.RootURI, until); err != nil {
		s.log.Error("thread re-arm stamp failed", logx.String("root", ts.RootURI), logx.Err(err))
	}
	s.log.Info("batch re-armed at responder request",
		logx.String("root", ts.RootURI),
		logx.Duration("for", req.For),
		logx.String("reason", req.Reason))
}

func (s *Scheduler) releaseAll(ctx context.Context, notifs []store.Notification) {
	for _, n := range notifs {
		s.release(ctx, n.URI)
	}
}

// ---- maintenance ----

// Maintenance prunes old terminal rows and checks queue health. Runs on
// the cron schedule but is safe to call directly.
func (s *Scheduler) Maintenance(ctx context.Context) {
	deleted, err := s.store.CleanupOlderThan(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Error("retention cleanup failed", logx.Err(err))
	} else if deleted > 0 {
		s.log.Info("retention cleanup done", logx.Int64("deleted", deleted))
	}

	st, err := s.store.Stats(ctx)
	if err != nil {
		s.log.Error("stats failed", logx.Err(err))
		return
	}
	pending := st.ByStatus[store.StatusPending]
	errored := st.ByStatus[store.StatusError]
	if pending > pendingWarnDepth || errored > errorWarnDepth {
		s.log.Warn("queue health degraded",
			logx.Int("pending", pending),
			logx.Int("error", errored),
			logx.Int("total", st.Total))
		s.alerts.QueueHealth(ctx, st)
	}
}
