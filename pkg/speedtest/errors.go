package speedtest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning is wrapped by Start when another run is active.
var ErrAlreadyRunning = errors.New("speedtest already running")

// ErrorKind classifies run failures.
type ErrorKind string

const (
	KindNetworkUnavailable ErrorKind = "network_unavailable"
	KindServerUnreachable  ErrorKind = "server_unreachable"
	KindTimeout            ErrorKind = "timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindUnknown            ErrorKind = "unknown"
)

// ErrorDetails is the payload attached to every classified error.
type ErrorDetails struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase,omitempty"`
	State     State     `json:"state"`
}

// Error is a classified run failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Details ErrorDetails
	Err     error
}

func newError(kind ErrorKind, phase, msg string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Details: ErrorDetails{Timestamp: time.Now(), Phase: phase},
		Err:     err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry controller may re-run after this error.
func (e *Error) Retryable() bool { return e != nil && e.Kind == KindNetworkUnavailable }

// KindOf classifies err. It returns "" for a nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err belongs to a retryable class.
func IsRetryable(err error) bool { return KindOf(err) == KindNetworkUnavailable }

// interrupted classifies a context that ended during phase.
// A caller deadline maps to Timeout; Stop or caller cancellation maps to Cancelled.
func interrupted(ctx context.Context, phase string) *Error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, phase, "deadline exceeded", err)
	}
	return newError(KindCancelled, phase, "test cancelled", err)
}
