package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultReplyTimeout is the reply deadline used when callers have no better value
const DefaultReplyTimeout = 5 * time.Second

// ReplyQueuePrefix prefixes generated reply queue names
const ReplyQueuePrefix = "amqpSendAndReceive"

var errReplyDeadline = errors.New("reply deadline exceeded")

// ReplyTransport is what the broker needs from the shared channel
type ReplyTransport interface {
	// DeclareReplyQueue declares an exclusive, auto-deleting queue
	DeclareReplyQueue(name string) error
	DeleteQueue(name string) error
	Subscribe(ctx context.Context, queue, consumerTag string, handler ConsumerHandler) error
	Cancel(consumerTag string) error
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// UnmatchedReplyHandler observes replies that match no outstanding call
type UnmatchedReplyHandler func(queue string, msg amqp.Delivery)

// pendingReply is one outstanding SendAndReceive call
type pendingReply struct {
	replyTo string
	reply   chan amqp.Delivery
}

// CorrelationBroker implements request/reply over per-call reply queues
type CorrelationBroker struct {
	transport   ReplyTransport
	logger      *zap.Logger
	onUnmatched UnmatchedReplyHandler
	pending     map[string]*pendingReply
	mu          sync.Mutex
}

// CorrelationBrokerOption configures the broker
type CorrelationBrokerOption func(*CorrelationBroker)

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *zap.Logger) CorrelationBrokerOption {
	return func(b *CorrelationBroker) {
		b.logger = logger
	}
}

// WithUnmatchedReplyHandler is called for every reply that settles nothing.
// Such replies are always acked; by default they are logged and dropped.
func WithUnmatchedReplyHandler(handler UnmatchedReplyHandler) CorrelationBrokerOption {
	return func(b *CorrelationBroker) {
		b.onUnmatched = handler
	}
}

// NewCorrelationBroker creates a broker over transport
func NewCorrelationBroker(transport ReplyTransport, options ...CorrelationBrokerOption) *CorrelationBroker {
	b := &CorrelationBroker{
		transport: transport,
		logger:    zap.NewNop(),
		pending:   make(map[string]*pendingReply),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Pending returns the number of outstanding calls
func (b *CorrelationBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SendAndReceive publishes payload to queue and waits for the reply carrying the
// same correlation id on a dedicated reply queue. A zero timeout waits until ctx ends.
// The reply consumer is cancelled and the reply queue deleted before returning.
func (b *CorrelationBroker) SendAndReceive(ctx context.Context, queue string, payload any, options SendOptions, timeout time.Duration) (any, error) {
	body, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	if options.CorrelationID == "" {
		options.CorrelationID = uuid.NewString()
	}
	if options.ReplyTo == "" {
		options.ReplyTo = ReplyQueuePrefix + uuid.NewString()
	}
	if options.Expiration == "" && timeout > 0 {
		options.Expiration = strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	correlationID, replyTo := options.CorrelationID, options.ReplyTo

	var (
		waitCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeoutCause(ctx, timeout, errReplyDeadline)
	} else {
		waitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	pending := &pendingReply{replyTo: replyTo, reply: make(chan amqp.Delivery, 1)}
	if err := b.register(correlationID, pending); err != nil {
		return nil, err
	}
	defer b.unregister(correlationID)

	if err := b.transport.DeclareReplyQueue(replyTo); err != nil {
		return nil, err
	}
	defer b.teardownQueue(replyTo)

	consumerTag := "reply-" + correlationID
	if err := b.transport.Subscribe(context.WithoutCancel(ctx), replyTo, consumerTag, b.routeReplies(replyTo)); err != nil {
		return nil, err
	}
	defer b.teardownConsumer(replyTo, consumerTag)

	if err := b.transport.Publish(waitCtx, queue, options.Publishing(body)); err != nil {
		return nil, err
	}

	b.logger.Debug("request sent",
		zap.String("queue", queue),
		zap.String("replyTo", replyTo),
		zap.String("correlationId", correlationID),
	)

	select {
	case msg := <-pending.reply:
		return Decode(msg.Body), nil
	case <-waitCtx.Done():
		// a reply routed before the deadline was observed still wins
		select {
		case msg := <-pending.reply:
			return Decode(msg.Body), nil
		default:
		}
		if errors.Is(context.Cause(waitCtx), errReplyDeadline) {
			return nil, &TimeoutError{
				Queue:         queue,
				ReplyTo:       replyTo,
				CorrelationID: correlationID,
				Timeout:       timeout,
			}
		}
		return nil, fmt.Errorf("waiting for reply from %s: %w", queue, ctx.Err())
	}
}

func (b *CorrelationBroker) register(correlationID string, pending *pendingReply) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[correlationID]; exists {
		return &ConfigurationError{Queue: pending.replyTo, Err: ErrDuplicateCorrelation}
	}
	b.pending[correlationID] = pending
	return nil
}

func (b *CorrelationBroker) unregister(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, correlationID)
}

// claim removes and returns the call waiting for correlationID on replyTo
func (b *CorrelationBroker) claim(replyTo, correlationID string) (*pendingReply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.pending[correlationID]
	if !ok || pending.replyTo != replyTo {
		return nil, false
	}
	delete(b.pending, correlationID)
	return pending, true
}

// routeReplies acks every delivery on replyTo and settles the matching call, if still waiting
func (b *CorrelationBroker) routeReplies(replyTo string) ConsumerHandler {
	return func(ctx context.Context, msg amqp.Delivery) error {
		if pending, ok := b.claim(replyTo, msg.CorrelationId); ok {
			pending.reply <- msg
		} else {
			b.unmatched(replyTo, msg)
		}
		if err := msg.Ack(false); err != nil {
			b.logger.Warn("failed to ack reply",
				zap.Error(err),
				zap.String("replyTo", replyTo),
				zap.String("correlationId", msg.CorrelationId),
			)
		}
		return nil
	}
}

func (b *CorrelationBroker) unmatched(replyTo string, msg amqp.Delivery) {
	b.logger.Warn("dropping reply with no pending request",
		zap.String("replyTo", replyTo),
		zap.String("correlationId", msg.CorrelationId),
	)
	if b.onUnmatched != nil {
		b.onUnmatched(replyTo, msg)
	}
}

func (b *CorrelationBroker) teardownConsumer(replyTo, consumerTag string) {
	if err := b.transport.Cancel(consumerTag); err != nil {
		b.logger.Warn("failed to cancel reply consumer",
			zap.Error(err),
			zap.String("replyTo", replyTo),
			zap.String("consumerTag", consumerTag),
		)
	}
}

func (b *CorrelationBroker) teardownQueue(replyTo string) {
	if err := b.transport.DeleteQueue(replyTo); err != nil {
		b.logger.Warn("failed to delete reply queue",
			zap.Error(err),
			zap.String("replyTo", replyTo),
		)
	}
}
