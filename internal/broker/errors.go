package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure classes the gateway surfaces.
// Callers branch on the kind, never on message text.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"    // network / broker 5xx, retryable
	KindRateLimited ErrorKind = "rate_limited" // retry after backoff
	KindAuthExpired ErrorKind = "auth_expired" // retry once after session refresh
	KindRejected    ErrorKind = "rejected"     // broker refused the operation, terminal
	KindNotFound    ErrorKind = "not_found"
	KindMalformed   ErrorKind = "malformed" // contract violation, treat as bug
)

// Error is a gateway failure tagged with its kind.
type Error struct {
	Kind       ErrorKind
	Op         string
	Message    string
	RetryAfter time.Duration // backoff hint from the broker, zero if none
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker: %s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("broker: %s: %v (%s)", e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("broker: %s (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind; plain errors map to KindTransport so that
// unknown failures stay on the retryable path.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransport
}

// IsRetryable reports whether the operation may be retried after backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited, KindAuthExpired:
		return true
	}
	return false
}

// RetryAfterHint returns the broker's backoff hint, or zero.
func RetryAfterHint(err error) time.Duration {
	var be *Error
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}
