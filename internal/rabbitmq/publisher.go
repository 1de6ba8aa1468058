package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages straight to queues through the default exchange
type Publisher struct {
	ch             Channel
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the timeout applied when ctx carries no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to queue
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return &PublishError{
			Queue:         queue,
			CorrelationID: msg.CorrelationId,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}
	return nil
}
