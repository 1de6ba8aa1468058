package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ErrorHandler receives every error returned by a MessageHandler
type ErrorHandler func(queue string, delivery amqp.Delivery, err error)

// FailurePolicy decides what happens to an unacknowledged delivery whose handler failed
type FailurePolicy int

const (
	// LeaveUnacked leaves the delivery outstanding until the channel closes
	LeaveUnacked FailurePolicy = iota
	// RequeueOnFailure nacks the delivery with requeue
	RequeueOnFailure
	// RejectOnFailure nacks without requeue so a dead letter exchange can pick it up
	RejectOnFailure
)

func (p FailurePolicy) String() string {
	switch p {
	case LeaveUnacked:
		return "leave-unacked"
	case RequeueOnFailure:
		return "requeue"
	case RejectOnFailure:
		return "reject"
	default:
		return "unknown"
	}
}

// acknowledgedError marks a handler error raised after the delivery was already acked
type acknowledgedError struct {
	err error
}

func (e *acknowledgedError) Error() string { return e.err.Error() }
func (e *acknowledgedError) Unwrap() error { return e.err }

// Acknowledged wraps err to tell the consumer the delivery was acked before err happened,
// so no failure policy must be applied to it.
func Acknowledged(err error) error {
	if err == nil {
		return nil
	}
	return &acknowledgedError{err: err}
}

// IsAcknowledged reports whether err was wrapped with Acknowledged
func IsAcknowledged(err error) bool {
	var ackErr *acknowledgedError
	return errors.As(err, &ackErr)
}

// SubscribeOptions are the per-subscription broker consume flags
type SubscribeOptions struct {
	ConsumerTag string
	AutoAck     bool
	Exclusive   bool
	Arguments   amqp.Table
}

// Consumer manages subscriptions on the shared channel
type Consumer struct {
	ch              Channel
	policy          FailurePolicy
	onError         ErrorHandler
	logger          *zap.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithFailurePolicy sets the policy applied when a handler fails
func WithFailurePolicy(policy FailurePolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

// WithErrorHandler sets the supervisor callback for handler errors
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *Consumer) {
		c.onError = handler
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:     ch,
		policy: LeaveUnacked,
		logger: zap.NewNop(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.onError == nil {
		logger := c.logger
		c.onError = func(queue string, delivery amqp.Delivery, err error) {
			logger.Error("failed to handle message",
				zap.Error(err),
				zap.String("queue", queue),
				zap.String("correlationId", delivery.CorrelationId),
			)
		}
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue and returns the consumer tag
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler MessageHandler) (string, error) {
	tag := opts.ConsumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	deliveries, err := c.ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		opts.Arguments,
	)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(tag, info)

	go c.processMessages(consumerCtx, info, deliveries, handler, opts.AutoAck)

	c.logger.Debug("subscribed to queue",
		zap.String("queue", queue),
		zap.String("consumerTag", tag),
	)

	return tag, nil
}

// processMessages handles deliveries one at a time, in broker order
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler, autoAck bool) {
	defer func() {
		close(info.Done)
		c.activeConsumers.Delete(info.ConsumerTag)
		c.logger.Debug("consumer stopped",
			zap.String("queue", info.Queue),
			zap.String("consumerTag", info.ConsumerTag),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := handler(ctx, delivery); err != nil {
				c.onError(info.Queue, delivery, err)
				if !autoAck && !IsAcknowledged(err) {
					c.applyPolicy(info.Queue, delivery)
				}
			}
		}
	}
}

func (c *Consumer) applyPolicy(queue string, delivery amqp.Delivery) {
	var err error
	switch c.policy {
	case RequeueOnFailure:
		err = delivery.Nack(false, true)
	case RejectOnFailure:
		err = delivery.Nack(false, false)
	default:
		return
	}
	if err != nil {
		c.logger.Error("failed to nack message",
			zap.Error(err),
			zap.String("queue", queue),
			zap.Stringer("policy", c.policy),
		)
	}
}

// Cancel stops the subscription identified by tag on the broker and waits for its goroutine to exit
func (c *Consumer) Cancel(tag string) error {
	value, ok := c.activeConsumers.Load(tag)
	if !ok {
		return &ConsumerError{ConsumerTag: tag, Op: "cancel", Err: ErrConsumerNotFound, Timestamp: time.Now()}
	}
	info := value.(*ConsumerInfo)

	err := c.ch.Cancel(tag, false)
	info.Cancel()
	<-info.Done

	if err != nil {
		return &ConsumerError{
			Queue:       info.Queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// CancelAll stops every active subscription and joins the errors
func (c *Consumer) CancelAll() error {
	var errs []error
	for _, tag := range c.ActiveConsumers() {
		if err := c.Cancel(tag); err != nil && !errors.Is(err, ErrConsumerNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveConsumers returns the tags of all active subscriptions
func (c *Consumer) ActiveConsumers() []string {
	var tags []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}
