package config

type Config struct {
	Feed      FeedConfig      `json:"feed"`
	Store     StoreConfig     `json:"store"`
	Threading ThreadingConfig `json:"threading"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`

	// Alert is the optional operator alert channel. Nil means disabled.
	Alert *AlertConfig `json:"alert,omitempty"`
}

// FeedConfig identifies the notification source account.
type FeedConfig struct {
	Service     string `json:"service"`
	Handle      string `json:"handle"`
	AppPassword string `json:"app_password"`

	// PageLimit is the per-request notification page size. Default 100.
	PageLimit int `json:"page_limit,omitempty"`
	// MaxPages bounds one polling cycle's pagination. Default 20.
	MaxPages int `json:"max_pages,omitempty"`
}

// StoreConfig controls the sqlite persistence layer.
type StoreConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy handler).
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// RetentionDays is how long processed rows are kept. Default 30.
	RetentionDays int `json:"retention_days,omitempty"`
}

// ThreadingConfig controls high-traffic thread detection and debounce.
//
// All durations are Go duration strings (e.g. "90s", "5m").
type ThreadingConfig struct {
	// Threshold is the notification count within Window that marks a
	// thread as high traffic. Default 5.
	Threshold int    `json:"threshold,omitempty"`
	Window    string `json:"window,omitempty"` // default "1h"

	MentionDebounceMin string `json:"mention_debounce_min,omitempty"` // default "90s"
	MentionDebounceMax string `json:"mention_debounce_max,omitempty"` // default "5m"
	ReplyDebounceMin   string `json:"reply_debounce_min,omitempty"`   // default "3m"
	ReplyDebounceMax   string `json:"reply_debounce_max,omitempty"`   // default "10m"

	Cooldown     string `json:"cooldown,omitempty"`      // default "10m"
	MaxExtension string `json:"max_extension,omitempty"` // default: tier max

	// MinBatchSize is the debounced-notification count below which a
	// fired timer falls back to single processing. Default 2.
	MinBatchSize int `json:"min_batch_size,omitempty"`

	// RetryMax is the transient-failure retry ceiling per notification.
	// Default 3.
	RetryMax int `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the polling loop and maintenance cron.
type SchedulerConfig struct {
	// PollInterval is a Go duration string. Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`

	// MaintenanceSchedule is a standard 5-field cron expression for the
	// cleanup job. Default "0 4 * * *".
	MaintenanceSchedule string `json:"maintenance_schedule,omitempty"`

	// Timezone for the maintenance schedule. Default local time.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertConfig controls the Telegram operator alert channel.
type AlertConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec caps outbound alert messages. Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
