// Package dispatch defines the hand-off surface between the scheduler and
// the downstream responder, and classifies dispatch failures into retry
// semantics.
package dispatch

import (
	"context"
	"time"

	"harkbot/internal/feed"
)

// SingleDispatch is the payload for one notification.
type SingleDispatch struct {
	// ThreadContext is the conversation in chronological order.
	ThreadContext  []feed.Post
	TriggeringText string
	Author         feed.Author
	URI            string
	Reason         string
}

// BatchDispatch is the payload for a high-traffic thread whose timer
// expired. The responder may act on zero to N of the listed posts; it is
// never forced to answer exactly one.
type BatchDispatch struct {
	RootURI       string
	ThreadContext []feed.Post
	// MetadataTable lists every presentable post:
	// "[Post N] @handle at <ts> / URI / CID / Text preview".
	MetadataTable string
	// NotificationSummary lists the triggering notifications:
	// "- [<ts>] @handle (reason): text".
	NotificationSummary string
	NotificationCount   int
	// Prompt is the fully rendered instruction block.
	Prompt string
	// NewestPostIndexedAt becomes the thread's delivery watermark after a
	// successful dispatch.
	NewestPostIndexedAt string
}

// ResultKind is what the responder decided to do.
type ResultKind int

const (
	// ResultReplied means content was produced and posted.
	ResultReplied ResultKind = iota
	// ResultIgnored means the responder explicitly declined (blocked
	// author, unwanted thread).
	ResultIgnored
	// ResultNoReply means the responder looked and chose silence.
	ResultNoReply
)

// DebounceRequest is a responder-issued "revisit later": the notification
// stays pending and its debounce is re-armed.
type DebounceRequest struct {
	For    time.Duration
	Reason string
}

func (k ResultKind) String() string {
	switch k {
	case ResultReplied:
		return "replied"
	case ResultIgnored:
		return "ignored"
	case ResultNoReply:
		return "no_reply"
	}
	return "unknown"
}

// Result is a successful responder round-trip. Failures are returned as
// errors and run through Classify.
type Result struct {
	Kind    ResultKind
	Content string

	// Halt asks the scheduler to stop after finishing the current record.
	Halt bool

	// Debounce, when non-nil, re-arms the notification instead of
	// finalizing it.
	Debounce *DebounceRequest
}

// Responder is the opaque downstream decision-maker.
type Responder interface {
	RespondSingle(ctx context.Context, d SingleDispatch) (Result, error)
	RespondBatch(ctx context.Context, d BatchDispatch) (Result, error)
}
