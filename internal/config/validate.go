package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults applied by Resolve when fields are omitted or zero.
const (
	DefaultPageLimit     = 100
	DefaultMaxPages      = 20
	DefaultRetentionDays = 30
	DefaultThreshold     = 5
	DefaultMinBatchSize  = 2
	DefaultRetryMax      = 3

	DefaultWindow       = time.Hour
	DefaultMentionMin   = 90 * time.Second
	DefaultMentionMax   = 5 * time.Minute
	DefaultReplyMin     = 3 * time.Minute
	DefaultReplyMax     = 10 * time.Minute
	DefaultCooldown     = 10 * time.Minute
	DefaultPollInterval = 30 * time.Second
	DefaultBusyTimeout  = 5 * time.Second

	DefaultMaintenanceSchedule = "0 4 * * *"
)

// Resolved is the fully parsed, defaulted view of a Config.
type Resolved struct {
	PageLimit     int
	MaxPages      int
	BusyTimeout   time.Duration
	RetentionDays int

	Threshold    int
	Window       time.Duration
	MentionMin   time.Duration
	MentionMax   time.Duration
	ReplyMin     time.Duration
	ReplyMax     time.Duration
	Cooldown     time.Duration
	MaxExtension time.Duration
	MinBatchSize int
	RetryMax     int

	PollInterval        time.Duration
	MaintenanceSchedule string
	Location            *time.Location

	AlertRatePerSec int
}

// Validate checks the config without keeping the parsed view.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// Resolve parses duration strings, applies defaults, and validates
// required fields and cross-field constraints.
func (c *Config) Resolve() (Resolved, error) {
	var r Resolved

	if strings.TrimSpace(c.Feed.Handle) == "" {
		return r, fmt.Errorf("feed.handle is required")
	}
	if strings.TrimSpace(c.Feed.AppPassword) == "" {
		return r, fmt.Errorf("feed.app_password is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return r, fmt.Errorf("store.path is required")
	}

	r.PageLimit = intOr(c.Feed.PageLimit, DefaultPageLimit)
	r.MaxPages = intOr(c.Feed.MaxPages, DefaultMaxPages)
	r.RetentionDays = intOr(c.Store.RetentionDays, DefaultRetentionDays)
	r.Threshold = intOr(c.Threading.Threshold, DefaultThreshold)
	r.MinBatchSize = intOr(c.Threading.MinBatchSize, DefaultMinBatchSize)
	r.RetryMax = intOr(c.Threading.RetryMax, DefaultRetryMax)

	var err error
	if r.BusyTimeout, err = durationOr("store.busy_timeout", c.Store.BusyTimeout, DefaultBusyTimeout); err != nil {
		return r, err
	}
	if r.Window, err = durationOr("threading.window", c.Threading.Window, DefaultWindow); err != nil {
		return r, err
	}
	if r.MentionMin, err = durationOr("threading.mention_debounce_min", c.Threading.MentionDebounceMin, DefaultMentionMin); err != nil {
		return r, err
	}
	if r.MentionMax, err = durationOr("threading.mention_debounce_max", c.Threading.MentionDebounceMax, DefaultMentionMax); err != nil {
		return r, err
	}
	if r.ReplyMin, err = durationOr("threading.reply_debounce_min", c.Threading.ReplyDebounceMin, DefaultReplyMin); err != nil {
		return r, err
	}
	if r.ReplyMax, err = durationOr("threading.reply_debounce_max", c.Threading.ReplyDebounceMax, DefaultReplyMax); err != nil {
		return r, err
	}
	if r.Cooldown, err = durationOr("threading.cooldown", c.Threading.Cooldown, DefaultCooldown); err != nil {
		return r, err
	}
	if r.MaxExtension, err = parseDuration("threading.max_extension", c.Threading.MaxExtension); err != nil {
		return r, err
	}
	if r.PollInterval, err = durationOr("scheduler.poll_interval", c.Scheduler.PollInterval, DefaultPollInterval); err != nil {
		return r, err
	}

	if r.MentionMax < r.MentionMin {
		return r, fmt.Errorf("threading: mention_debounce_max < mention_debounce_min")
	}
	if r.ReplyMax < r.ReplyMin {
		return r, fmt.Errorf("threading: reply_debounce_max < reply_debounce_min")
	}
	if r.ReplyMin < r.MentionMin || r.ReplyMax < r.MentionMax {
		return r, fmt.Errorf("threading: reply debounce tier must not be shorter than the mention tier")
	}
	if r.MinBatchSize < 2 {
		r.MinBatchSize = 2
	}

	r.MaintenanceSchedule = strings.TrimSpace(c.Scheduler.MaintenanceSchedule)
	if r.MaintenanceSchedule == "" {
		r.MaintenanceSchedule = DefaultMaintenanceSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(r.MaintenanceSchedule); err != nil {
		return r, fmt.Errorf("scheduler.maintenance_schedule: %w", err)
	}

	r.Location = time.Local
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return r, fmt.Errorf("scheduler.timezone: %w", err)
		}
		r.Location = loc
	}

	if c.Alert != nil && c.Alert.Enabled {
		if strings.TrimSpace(c.Alert.Token) == "" {
			return r, fmt.Errorf("alert.token is required when alert is enabled")
		}
		if c.Alert.ChatID == 0 {
			return r, fmt.Errorf("alert.chat_id is required when alert is enabled")
		}
	}
	r.AlertRatePerSec = 1
	if c.Alert != nil && c.Alert.RatePerSec > 0 {
		r.AlertRatePerSec = c.Alert.RatePerSec
	}

	return r, nil
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
