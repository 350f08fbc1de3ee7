// Package app wires configuration, logging, storage, the feed client and
// the scheduler into one runnable unit.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"harkbot/internal/alert"
	"harkbot/internal/batch"
	"harkbot/internal/config"
	"harkbot/internal/debounce"
	"harkbot/internal/dedup"
	"harkbot/internal/dispatch"
	"harkbot/internal/feed"
	"harkbot/internal/scheduler"
	"harkbot/internal/store"
	"harkbot/internal/thread"
	logx "harkbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store  *store.Store
	client *feed.Client
	sched  *scheduler.Scheduler
	alerts *alert.Notifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errMu  sync.Mutex
	err    error
	done   chan struct{}
}

// New loads and validates the config, opens the store, and builds the
// full component graph. The responder stays injected; everything else is
// owned here.
func New(cfgPath string, responder dispatch.Responder) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	r, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: r.BusyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := feed.NewClient(feed.ClientConfig{
		Service:  cfg.Feed.Service,
		Handle:   cfg.Feed.Handle,
		Password: cfg.Feed.AppPassword,
	}, log.With(logx.String("comp", "feed")))

	var alerts *alert.Notifier
	if cfg.Alert != nil && cfg.Alert.Enabled {
		alerts, err = alert.New(alert.Config{
			Token:      cfg.Alert.Token,
			ChatID:     cfg.Alert.ChatID,
			ThreadID:   cfg.Alert.ThreadID,
			RatePerSec: r.AlertRatePerSec,
		}, log.With(logx.String("comp", "alert")))
		if err != nil {
			st.Close()
			logs.Close()
			return nil, fmt.Errorf("alert channel: %w", err)
		}
	}

	dcfg := debounce.Config{
		Threshold:    r.Threshold,
		Window:       r.Window,
		MentionMin:   r.MentionMin,
		MentionMax:   r.MentionMax,
		ReplyMin:     r.ReplyMin,
		ReplyMax:     r.ReplyMax,
		Cooldown:     r.Cooldown,
		MaxExtension: r.MaxExtension,
	}
	if err := dcfg.Validate(); err != nil {
		st.Close()
		logs.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tracker := thread.New(st, dcfg, log.With(logx.String("comp", "thread")))
	dd := dedup.New(st, log.With(logx.String("comp", "dedup")))
	extractor := batch.New(st, client, batch.Config{MinBatchSize: r.MinBatchSize},
		log.With(logx.String("comp", "batch")))

	sched := scheduler.New(st, client, client, dd, tracker, extractor, responder, alerts,
		scheduler.Config{
			PollInterval:        r.PollInterval,
			PageLimit:           r.PageLimit,
			MaxPages:            r.MaxPages,
			RetryMax:            r.RetryMax,
			SelfHandle:          cfg.Feed.Handle,
			MaintenanceSchedule: r.MaintenanceSchedule,
			Location:            r.Location,
			Retention:           time.Duration(r.RetentionDays) * 24 * time.Hour,
		}, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		store:  st,
		client: client,
		sched:  sched,
		alerts: alerts,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the scheduler and the config watcher. It returns
// immediately; Done() closes when the scheduler exits.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Hot reload is transactional: a config that fails Resolve never
	// replaces the running one.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	sub := a.cfgm.Subscribe(4)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		prev := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				changed, attrs := config.SummarizeChange(prev, cfg)
				a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
				// Only logging applies live. Everything else lands on
				// the next restart, which the log line makes visible.
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				prev = cfg
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.done)
		if err := a.sched.Run(runCtx); err != nil {
			a.errMu.Lock()
			a.err = err
			a.errMu.Unlock()
			a.log.Error("scheduler exited", logx.Err(err))
		}
		cancel()
	}()

	return nil
}

// Done is closed when the scheduler has exited (halt, fatal error, or
// context cancellation).
func (a *App) Done() <-chan struct{} { return a.done }

// Err returns the scheduler's fatal error, if any.
func (a *App) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Stop cancels the run context, waits for workers, then closes the store
// and log sinks.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out waiting for workers")
	}

	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
