// Package errs defines the gateway error taxonomy.
//
// Every error returned across a component boundary is one of the typed errors below,
// usually wrapping one of the sentinels, so callers can branch with errors.Is and
// errors.As without string matching.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfig marks a required venue credential or endpoint that is empty.
	ErrMissingConfig = errors.New("missing required configuration")
	// ErrConnectTimeout is returned when Initialize does not reach readiness in time.
	ErrConnectTimeout = errors.New("connection wait timed out")
	// ErrNotReady is returned when an operation needs a channel that is not logged in.
	ErrNotReady = errors.New("connection not ready")
	// ErrOrderNotFound is returned for unknown orders or orders owned by another user.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidState is returned for an illegal order state transition.
	ErrInvalidState = errors.New("invalid order state")
	// ErrInvalidRequest is returned when an order request fails validation.
	ErrInvalidRequest = errors.New("invalid order request")
	// ErrSubscriptionLimit is returned when the active symbol count would exceed the maximum.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
	// ErrSendFailed is returned by transports that could not deliver a message.
	ErrSendFailed = errors.New("send failed")
	// ErrSlowConsumer is returned when a client's outbound queue is full.
	ErrSlowConsumer = errors.New("client outbound queue full")
	// ErrSessionConflict is returned when a client id is already held by another user.
	ErrSessionConflict = errors.New("client id in use by another user")
)

// ConfigError reports a configuration problem. Never retryable without an operator fix.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps ErrMissingConfig for the named field.
func NewConfigError(field string) *ConfigError {
	return &ConfigError{Field: field, Err: ErrMissingConfig}
}

// ConnectionError reports a connect, login or readiness failure. Recoverable via reconnect.
type ConnectionError struct {
	Channel string // "trade", "md" or "" for both
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OrderError reports a submit or cancel failure.
type OrderError struct {
	Op       string
	OrderRef string
	Err      error
}

func (e *OrderError) Error() string {
	if e.OrderRef == "" {
		return fmt.Sprintf("order %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("order %s %s: %v", e.Op, e.OrderRef, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// SubscriptionError reports a rejected (un)subscribe request.
type SubscriptionError struct {
	ClientID string
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription for client %s: %v", e.ClientID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// TransportError reports a failed send to a client session. It is handled inside the
// session registry and never surfaced past a broadcast.
type TransportError struct {
	ClientID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport for client %s: %v", e.ClientID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
