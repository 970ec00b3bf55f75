package c4chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidIntent is returned when an operation is rejected before any
	// side effect: sending with no active conversation, an empty body,
	// befriending oneself, and similar.
	ErrInvalidIntent = errors.New("c4chat: invalid intent")

	// ErrNoSession is returned by operations that need a signed-in identity.
	// It also matches ErrInvalidIntent.
	ErrNoSession = fmt.Errorf("%w: no active session", ErrInvalidIntent)

	// ErrDurableCallFailed matches every *DurableCallError.
	ErrDurableCallFailed = errors.New("c4chat: durable call failed")

	// ErrTransportUnavailable is returned when a channel publish is attempted
	// without a live connection. Nothing is queued.
	ErrTransportUnavailable = errors.New("c4chat: transport unavailable")

	// ErrSuperseded is returned when a result was discarded because a newer
	// conversation selection or session replaced the one it was issued for.
	ErrSuperseded = errors.New("c4chat: superseded")
)

// APIError is a non-2xx response from the directory service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, msg)
}

// DurableCallError wraps any failure of a directory call. Op names the
// call ("friends", "acceptFriendRequest", ...).
type DurableCallError struct {
	Op  string
	Err error
}

func (e *DurableCallError) Error() string {
	return "c4chat: " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both ErrDurableCallFailed and the underlying cause.
func (e *DurableCallError) Unwrap() []error {
	return []error{ErrDurableCallFailed, e.Err}
}

func invalidIntent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidIntent, fmt.Sprintf(format, args...))
}
