// Package debounce computes how long a busy thread should settle before
// the responder sees it. The delay grows with traffic volume: quiet
// threads get the minimum, saturated threads get the maximum, and the
// band in between is a linear ramp.
package debounce

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the calculator's tuning. Mentions are more urgent than
// replies, so each tier has its own delay band.
type Config struct {
	// Threshold is the notification count (within the lookback window)
	// at which a thread counts as high-traffic.
	Threshold int
	// Window is the lookback used when counting a thread's notifications.
	Window time.Duration

	MentionMin time.Duration
	MentionMax time.Duration
	ReplyMin   time.Duration
	ReplyMax   time.Duration

	// Cooldown is the quiet period after a batch dispatch.
	Cooldown time.Duration

	// MaxExtension caps how far past the debounce start a timer may be
	// pushed by continued activity.
	MaxExtension time.Duration
}

// Validate rejects configs the scheduler must refuse to run with.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return errors.New("debounce: threshold must be positive")
	}
	if c.Window <= 0 {
		return errors.New("debounce: window must be positive")
	}
	if c.MentionMin <= 0 || c.ReplyMin <= 0 {
		return errors.New("debounce: minimum delays must be positive")
	}
	if c.MentionMax < c.MentionMin {
		return fmt.Errorf("debounce: mention max %v below min %v", c.MentionMax, c.MentionMin)
	}
	if c.ReplyMax < c.ReplyMin {
		return fmt.Errorf("debounce: reply max %v below min %v", c.ReplyMax, c.ReplyMin)
	}
	// Replies must never be more urgent than mentions at the same count.
	if c.ReplyMin < c.MentionMin || c.ReplyMax < c.MentionMax {
		return errors.New("debounce: reply delays must be >= mention delays")
	}
	if c.Cooldown <= 0 {
		return errors.New("debounce: cooldown must be positive")
	}
	return nil
}

// Delay maps a thread's notification count to a settle delay. Monotonic
// non-decreasing in count for both tiers:
//
//	count <= threshold      -> min
//	count >= 3*threshold    -> max
//	otherwise               -> min + (max-min) * (count-threshold)/threshold,
//	                           clamped at max
func Delay(count int, isMention bool, cfg Config) time.Duration {
	min, max := cfg.ReplyMin, cfg.ReplyMax
	if isMention {
		min, max = cfg.MentionMin, cfg.MentionMax
	}
	t := cfg.Threshold
	if t <= 0 {
		return min
	}
	switch {
	case count <= t:
		return min
	case count >= 3*t:
		return max
	}
	d := min + time.Duration(float64(max-min)*float64(count-t)/float64(t))
	if d > max {
		d = max
	}
	return d
}
