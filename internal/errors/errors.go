// Package errors provides domain-specific error types for nxtunnel.
//
// Precondition failures are plain sentinels.  Listener and dial failures
// carry the operation and address ([NetworkError]); relay session
// failures carry the tunnel id and a failure kind ([SessionError]) so
// that callers can match them with [Is] against the Err* kind sentinels.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrDuplicateID = errors.New("tunnel with this id already exists")
	ErrNotFound    = errors.New("tunnel not found")
	ErrTimeout     = errors.New("operation timed out")
	ErrClosed      = errors.New("tunnel manager closed")
)

// Session failure kinds.  A [SessionError] matches exactly one of these.
var (
	ErrInvalidServerURL            = errors.New("invalid server url")
	ErrWebSocketConnectFailed      = errors.New("websocket connection failed")
	ErrUnexpectedHandshakeMessage  = errors.New("unexpected handshake message")
	ErrRemoteClosedDuringHandshake = errors.New("websocket closed during handshake")
	ErrHandshakeTransport          = errors.New("websocket error during handshake")
	ErrHandshakeStreamEnded        = errors.New("websocket closed unexpectedly")
)

// IsHandshake reports whether err is one of the failure kinds that
// happen after the WebSocket opened but before the ready message.
func IsHandshake(err error) bool {
	return errors.Is(err, ErrUnexpectedHandshakeMessage) ||
		errors.Is(err, ErrRemoteClosedDuringHandshake) ||
		errors.Is(err, ErrHandshakeTransport) ||
		errors.Is(err, ErrHandshakeStreamEnded)
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a local network operation.
type NetworkError struct {
	Op   string // operation: "listen", "accept", "dial"
	Addr string // network address involved
	Err  error  // underlying error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SessionError describes why a single relay session ended before it
// started relaying.  It never affects the tunnel's status.
type SessionError struct {
	Tunnel string // tunnel id
	Kind   error  // one of the session failure kinds above
	Detail string // remote close reason or offending message (optional)
	Err    error  // underlying transport error (optional)
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("tunnel %s: %v", e.Tunnel, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the session's failure kind.
func (e *SessionError) Is(target error) bool { return target == e.Kind }

func (e *SessionError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// Session creates a SessionError of the given kind.
func Session(tunnel string, kind error, detail string, err error) *SessionError {
	return &SessionError{Tunnel: tunnel, Kind: kind, Detail: detail, Err: err}
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use nxtunnel/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
