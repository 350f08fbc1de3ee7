// Package alert pushes operator notifications (terminal failures, queue
// health) to a Telegram chat. A nil *Notifier is valid and drops
// everything, so callers never branch on whether alerting is configured.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"harkbot/internal/store"
	logx "harkbot/pkg/logx"
)

const telegramTextLimit = 4096

type Config struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
}

type Notifier struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert token is empty")
	}
	// Send-only bot, no poller.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		bot:      b,
		chatID:   cfg.ChatID,
		threadID: cfg.ThreadID,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps*2),
		log:      log,
	}, nil
}

// TerminalFailure reports a notification that exhausted its retries or
// hit a permanent dispatch error.
func (n *Notifier) TerminalFailure(ctx context.Context, uri string, retries int, err error) {
	n.send(ctx, fmt.Sprintf("dispatch gave up on %s after %d retries: %v", uri, retries, err))
}

// QueueHealth reports queue depth warnings from periodic stats.
func (n *Notifier) QueueHealth(ctx context.Context, st store.Stats) {
	n.send(ctx, fmt.Sprintf("queue health warning: pending=%d in_progress=%d error=%d",
		st.ByStatus[store.StatusPending], st.ByStatus[store.StatusInProgress], st.ByStatus[store.StatusError]))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if n == nil {
		return
	}
	// Alerts are best effort. Never block the polling loop on Telegram.
	if !n.limiter.Allow() {
		n.log.Debug("alert dropped (rate limited)")
		return
	}
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit-3] + "..."
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := n.bot.Send(tele.ChatID(n.chatID), text, &tele.SendOptions{
			ThreadID:              n.threadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			n.log.Warn("alert send failed", logx.Err(err))
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		n.log.Warn("alert send timed out")
	}
}
