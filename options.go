package mmate

import (
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

// Transport contracts, re-exported so callers can supply their own dialer
type (
	Connection = rabbitmq.Connection
	Channel    = rabbitmq.Channel
	Dialer     = rabbitmq.Dialer
)

// FailurePolicy decides what happens to a delivery whose handler failed before acking it
type FailurePolicy = rabbitmq.FailurePolicy

const (
	// LeaveUnacked keeps the delivery outstanding until the channel closes
	LeaveUnacked = rabbitmq.LeaveUnacked
	// RequeueOnFailure nacks with requeue
	RequeueOnFailure = rabbitmq.RequeueOnFailure
	// RejectOnFailure nacks without requeue, handing the delivery to a dead letter exchange if one is configured
	RejectOnFailure = rabbitmq.RejectOnFailure
)

// ErrorHandler supervises consumer callbacks and receives every handler error
type ErrorHandler = rabbitmq.ErrorHandler

// ErrConnectionNotReady is returned by operations that need an established broker session
var ErrConnectionNotReady = rabbitmq.ErrConnectionNotReady

type managerConfig struct {
	logger         *zap.Logger
	dialer         Dialer
	connectTimeout time.Duration
	prefetch       int
	policy         FailurePolicy
	onError        ErrorHandler
	onUnmatched    messaging.UnmatchedReplyHandler
}

// Option configures a ConnectionManager
type Option func(*managerConfig)

// WithLogger sets the logger shared by every component
func WithLogger(logger *zap.Logger) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) Option {
	return func(c *managerConfig) {
		c.dialer = dialer
	}
}

// WithConnectTimeout bounds how long Start waits for the broker connection
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *managerConfig) {
		c.connectTimeout = timeout
	}
}

// WithPrefetch sets the channel prefetch count applied on Start
func WithPrefetch(count int) Option {
	return func(c *managerConfig) {
		c.prefetch = count
	}
}

// WithListenerFailurePolicy sets what happens to deliveries whose handler failed
func WithListenerFailurePolicy(policy FailurePolicy) Option {
	return func(c *managerConfig) {
		c.policy = policy
	}
}

// WithErrorHandler sets the supervisor for consumer handler errors
func WithErrorHandler(handler ErrorHandler) Option {
	return func(c *managerConfig) {
		c.onError = handler
	}
}

// WithUnmatchedReplyHandler observes replies that arrive for no outstanding request
func WithUnmatchedReplyHandler(handler messaging.UnmatchedReplyHandler) Option {
	return func(c *managerConfig) {
		c.onUnmatched = handler
	}
}
