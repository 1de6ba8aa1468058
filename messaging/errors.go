package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrUndeclaredQueue      = errors.New("messaging: queue is not declared")
	ErrUnknownOperation     = errors.New("messaging: unknown controller operation")
	ErrInvalidHandler       = errors.New("messaging: invalid handler")
	ErrDuplicateOperation   = errors.New("messaging: operation already registered")
	ErrDuplicateCorrelation = errors.New("messaging: correlation id already pending")

	// Protocol errors
	ErrMissingReplyTo = errors.New("messaging: replyTo is missing")

	// Request/reply errors
	ErrTimeout = errors.New("messaging: reply timeout")
)

// ConfigurationError is raised synchronously at registration time
type ConfigurationError struct {
	Queue string // Resolved queue name, if any
	Key   string // Controller operation key, if any
	Err   error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Key != "" && e.Queue != "":
		return fmt.Sprintf("configuration error: operation %q on queue %q: %v", e.Key, e.Queue, e.Err)
	case e.Key != "":
		return fmt.Sprintf("configuration error: operation %q: %v", e.Key, e.Err)
	case e.Queue != "":
		return fmt.Sprintf("configuration error: queue %q: %v", e.Queue, e.Err)
	default:
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProtocolViolation is raised when an inbound message breaks the RPC contract
type ProtocolViolation struct {
	Queue         string
	CorrelationID string
	Err           error
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on queue %q (correlationId=%q): %v", e.Queue, e.CorrelationID, e.Err)
}

func (e *ProtocolViolation) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when no matching reply arrives before the deadline
type TimeoutError struct {
	Queue         string
	ReplyTo       string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply from %s on %s (correlationId=%s) within %v", e.Queue, e.ReplyTo, e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
