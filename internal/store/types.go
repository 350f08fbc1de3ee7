package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrMissingURI rejects a record before any transaction is opened.
	ErrMissingURI = errors.New("notification uri is required")

	// ErrNotFound reports a lookup for a row that does not exist.
	ErrNotFound = errors.New("record not found")
)

// Status is a notification's processing state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusIgnored    Status = "ignored"
	StatusNoReply    Status = "no_reply"
	StatusError      Status = "error"
)

// Terminal reports whether the status ends the record's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusIgnored, StatusNoReply, StatusError:
		return true
	}
	return false
}

// InsertResult is the outcome of Insert.
type InsertResult int

const (
	InsertAdded InsertResult = iota
	InsertDuplicate
)

// Metadata keeps known upstream attributes typed; anything the feed sends
// that we do not model lands in Extra so it round-trips untouched.
type Metadata struct {
	CID    string   `json:"cid,omitempty"`
	Labels []string `json:"labels,omitempty"`
	IsRead bool     `json:"is_read,omitempty"`

	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Notification is one durable inbound-event record.
type Notification struct {
	URI          string
	IndexedAt    string
	ProcessedAt  string
	Status       Status
	Reason       string
	AuthorHandle string
	AuthorDID    string
	Text         string
	ParentURI    string
	RootURI      string
	Error        string
	Metadata     Metadata

	RetryCount  int
	LastRetryAt string

	DebounceUntil  string
	DebounceReason string
	ThreadChainID  string
	AutoDebounced  bool
	HighTraffic    bool
}

// ThreadStateName is the state of a tracked thread. A thread with no row
// is idle.
type ThreadStateName string

const (
	ThreadDebouncing ThreadStateName = "debouncing"
	ThreadCooldown   ThreadStateName = "cooldown"
)

// ThreadState is the shared debounce/cooldown timer for one conversation.
type ThreadState struct {
	RootURI            string
	State              ThreadStateName
	DebounceUntil      string
	DebounceStartedAt  string
	CooldownUntil      string
	NotificationCount  int
	LastNotificationAt string
	UpdatedAt          string
}

// BatchHistory records what has already been shown downstream for a
// thread. It survives thread_state resets and is never deleted here.
type BatchHistory struct {
	RootURI                      string
	LastBatchProcessedAt         string
	LastBatchNewestPostIndexedAt string
}

// Session aggregates one scheduler run's counters.
type Session struct {
	ID         int64
	StartedAt  string
	EndedAt    string
	LastSeenAt string
	Processed  int
	Skipped    int
	Errored    int
}

// Stats is a point-in-time summary of the notifications table.
type Stats struct {
	ByStatus  map[Status]int
	Total     int
	Recent24h int
}

// timeText is the canonical timestamp encoding: RFC3339Nano in UTC, so
// lexical ordering in SQL equals chronological ordering.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Now returns the canonical text form of the current instant.
func Now() string { return timeText(time.Now()) }

// ParseTime decodes a canonical timestamp; zero time on empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
