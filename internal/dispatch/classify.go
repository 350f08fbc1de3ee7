package dispatch

import (
	"context"
	"errors"
	"strings"
)

// Class buckets a dispatch failure.
type Class int

const (
	// ClassTransient: retry on the next cycle (increment retry_count).
	ClassTransient Class = iota
	// ClassPermanent: will never succeed; terminal error status.
	ClassPermanent
	// ClassUnknown: leave pending, log, do NOT touch the retry counter.
	// Guards against misclassifying a genuinely novel error into an
	// infinite retry loop.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// PermanentError lets a responder tag a failure as unrecoverable
// explicitly, bypassing the string heuristics.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError is the explicit counterpart of PermanentError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ErrPayloadTooLarge is the classic permanent failure: the dispatch body
// exceeds what the responder accepts, and retrying the same body cannot
// help.
var ErrPayloadTooLarge = errors.New("dispatch payload too large")

var permanentMarkers = []string{
	"payload too large",
	"413",
	"malformed request",
	"invalid request",
	"400 bad request",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"429",
	"502",
	"503",
	"unreachable",
	"upstreamfailure",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
}

// Classify maps a dispatch error into retry semantics. Explicit wrappers
// win; otherwise the error text is matched against known upstream
// signatures (the feed and responder surface failures as opaque strings).
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return ClassTransient
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return ClassPermanent
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassUnknown
}
