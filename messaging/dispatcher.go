package messaging

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
)

// Publisher sends a message to a queue
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// PublisherFunc is a function adapter for Publisher
type PublisherFunc func(ctx context.Context, queue string, msg amqp.Publishing) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return f(ctx, queue, msg)
}

// Dispatcher builds consumer handlers around controller operations
type Dispatcher struct {
	publisher Publisher
	logger    *zap.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher whose RPC consumers reply through publisher
func NewDispatcher(publisher Publisher, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		logger:    zap.NewNop(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Build resolves meta.Key on controller and builds the handler for meta.Type
func (d *Dispatcher) Build(meta HandlerMetadata, controller *Controller) (ConsumerHandler, error) {
	if controller == nil {
		return nil, &ConfigurationError{Queue: meta.Queue, Key: meta.Key, Err: ErrInvalidHandler}
	}
	op, ok := controller.Operation(meta.Key)
	if !ok {
		return nil, &ConfigurationError{Queue: meta.Queue, Key: meta.Key, Err: ErrUnknownOperation}
	}

	switch meta.Type {
	case Listener:
		return d.Listener(op, meta.ConsumeOptions.NoAck), nil
	case Consumer:
		return d.Consumer(op, meta.SendOptions, meta.SendOptionsError, meta.ConsumeOptions.NoAck), nil
	default:
		return nil, &ConfigurationError{Queue: meta.Queue, Key: meta.Key, Err: ErrInvalidHandler}
	}
}

// Listener invokes op with the decoded body and acks once op succeeds.
// A failing op leaves the message unacked and its error goes to the consumer supervisor.
// With autoAck the broker settled the delivery on dispatch, so no ack is sent.
func (d *Dispatcher) Listener(op Operation, autoAck bool) ConsumerHandler {
	return func(ctx context.Context, msg amqp.Delivery) error {
		if _, err := op(ctx, Decode(msg.Body)); err != nil {
			return err
		}
		if autoAck {
			return nil
		}
		return msg.Ack(false)
	}
}

// Consumer invokes op and replies to msg.ReplyTo with its result, or with the
// error under errorOptions. The inbound message is acked whether or not the
// reply could be published, unless autoAck is set and the broker already settled it.
func (d *Dispatcher) Consumer(op Operation, options, errorOptions SendOptions, autoAck bool) ConsumerHandler {
	return func(ctx context.Context, msg amqp.Delivery) error {
		if msg.ReplyTo == "" {
			return &ProtocolViolation{
				Queue:         msg.RoutingKey,
				CorrelationID: msg.CorrelationId,
				Err:           ErrMissingReplyTo,
			}
		}

		response, err := op(ctx, Decode(msg.Body))
		sendOptions := options
		if err != nil {
			d.logger.Warn("operation failed, sending error reply",
				zap.Error(err),
				zap.String("replyTo", msg.ReplyTo),
				zap.String("correlationId", msg.CorrelationId),
			)
			response = err
			sendOptions = errorOptions
		}

		replyOptions := SendOptions{
			CorrelationID: msg.CorrelationId,
			ContentType:   DefaultContentType,
		}.Merge(sendOptions)

		publishErr := d.reply(ctx, msg.ReplyTo, response, replyOptions)

		if autoAck {
			return rabbitmq.Acknowledged(publishErr)
		}
		if ackErr := msg.Ack(false); ackErr != nil {
			return errors.Join(publishErr, ackErr)
		}
		return rabbitmq.Acknowledged(publishErr)
	}
}

func (d *Dispatcher) reply(ctx context.Context, replyTo string, response any, options SendOptions) error {
	body, err := Encode(response)
	if err != nil {
		if body, err = json.Marshal(errorBody{Message: err.Error()}); err != nil {
			return err
		}
		if options.ContentType == "" {
			options.ContentType = DefaultContentType
		}
	}
	if err := d.publisher.Publish(ctx, replyTo, options.Publishing(body)); err != nil {
		d.logger.Error("failed to publish reply",
			zap.Error(err),
			zap.String("replyTo", replyTo),
			zap.String("correlationId", options.CorrelationID),
		)
		return err
	}
	return nil
}
