// Package rabbitmqtest provides an in-memory broker implementing the rabbitmq
// transport contracts for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
)

// ErrClosed is returned by operations on a closed fake channel or connection
var ErrClosed = errors.New("rabbitmqtest: closed")

// Published is a message recorded by the broker
type Published struct {
	Queue string
	Msg   amqp.Publishing
}

type queue struct {
	decl      rabbitmq.QueueDeclaration
	consumers []*consumer
	next      int
	backlog   []amqp.Publishing
}

type consumer struct {
	tag      string
	queue    string
	channel  *Channel
	autoAck  bool
	delivery chan amqp.Delivery
}

// Broker is a single-node, in-memory stand-in for RabbitMQ. It routes
// published messages to the queue named by the routing key, round robin
// across consumers. Nacked messages are recorded but never redelivered.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	consumers map[string]*consumer
	published []Published
	events    []string
	failures  map[string]error
	acks      map[uint64]string
	tag       uint64
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
		failures:  make(map[string]error),
		acks:      make(map[uint64]string),
	}
}

// FailOn makes the operation fail with err. op is one of dial, channel, qos,
// declare, delete, consume, cancel, publish, channel.close, connection.close,
// optionally suffixed with ":<queue>" to target a single queue.
func (b *Broker) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

func (b *Broker) failure(op, name string) error {
	if err, ok := b.failures[op+":"+name]; ok {
		return err
	}
	return b.failures[op]
}

func (b *Broker) record(format string, args ...interface{}) {
	b.events = append(b.events, fmt.Sprintf(format, args...))
}

// Events returns the ordered log of broker operations
func (b *Broker) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Published returns every message published so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// HasQueue reports whether name is currently declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queue returns the declaration of name
func (b *Broker) Queue(name string) (rabbitmq.QueueDeclaration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return rabbitmq.QueueDeclaration{}, false
	}
	return q.decl, true
}

// ConsumerCount returns the number of active consumers on name
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// AckState returns "ack", "nack", "requeue" or "" for a delivery tag
func (b *Broker) AckState(tag uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[tag]
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failures["dial"]; err != nil {
		return nil, err
	}
	b.record("dial")
	return &Connection{broker: b}, nil
}

// Connection is a fake broker connection
type Connection struct {
	broker *Broker
	closed bool
}

// Channel opens a fake channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := b.failures["channel"]; err != nil {
		return nil, err
	}
	b.record("channel.open")
	return &Channel{broker: b}, nil
}

// Close closes the connection
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	b.record("connection.close")
	return b.failures["connection.close"]
}

// Channel is a fake AMQP channel and the Acknowledger of its deliveries
type Channel struct {
	broker *Broker
	closed bool
}

var _ rabbitmq.Channel = (*Channel)(nil)

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failures["qos"]; err != nil {
		return err
	}
	b.record("qos %d", prefetchCount)
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, ErrClosed
	}
	if err := b.failure("declare", name); err != nil {
		return amqp.Queue{}, err
	}
	b.record("declare %s", name)
	if q, ok := b.queues[name]; ok {
		return amqp.Queue{Name: name, Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = &queue{decl: rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Arguments:  args,
	}}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return 0, ErrClosed
	}
	if err := b.failure("delete", name); err != nil {
		return 0, err
	}
	b.record("delete %s", name)
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	for _, c := range q.consumers {
		delete(b.consumers, c.tag)
		close(c.delivery)
	}
	delete(b.queues, name)
	return len(q.backlog), nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, ErrClosed
	}
	if err := b.failure("consume", queueName); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("rabbitmqtest: NOT_FOUND - no queue '%s'", queueName)
	}
	if _, dup := b.consumers[tag]; dup {
		return nil, fmt.Errorf("rabbitmqtest: NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}
	b.record("consume %s", queueName)

	c := &consumer{
		tag:      tag,
		queue:    queueName,
		channel:  ch,
		autoAck:  autoAck,
		delivery: make(chan amqp.Delivery, 1024),
	}
	q.consumers = append(q.consumers, c)
	b.consumers[tag] = c

	backlog := q.backlog
	q.backlog = nil
	for _, msg := range backlog {
		c.delivery <- b.delivery(ch, c, msg, queueName)
	}

	return c.delivery, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if err := b.failures["cancel"]; err != nil {
		return err
	}
	c, ok := b.consumers[tag]
	if !ok {
		return nil
	}
	b.record("cancel %s", c.queue)
	b.removeConsumer(c)
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if err := b.failure("publish", key); err != nil {
		return err
	}
	b.record("publish %s", key)
	b.published = append(b.published, Published{Queue: key, Msg: msg})

	q, ok := b.queues[key]
	if !ok {
		return nil
	}
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, msg)
		return nil
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.delivery <- b.delivery(ch, c, msg, key)
	return nil
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.closed = true
	for _, c := range b.consumers {
		if c.channel == ch {
			b.removeConsumer(c)
		}
	}
	b.record("channel.close")
	return b.failures["channel.close"]
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, "ack")
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	if requeue {
		return ch.settle(tag, "requeue")
	}
	return ch.settle(tag, "nack")
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, state string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if prev, ok := b.acks[tag]; ok {
		return fmt.Errorf("rabbitmqtest: PRECONDITION_FAILED - delivery tag %d already %s", tag, prev)
	}
	b.acks[tag] = state
	return nil
}

// removeConsumer must be called with b.mu held
func (b *Broker) removeConsumer(c *consumer) {
	delete(b.consumers, c.tag)
	if q, ok := b.queues[c.queue]; ok {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.decl.AutoDelete && len(q.consumers) == 0 {
			delete(b.queues, c.queue)
		}
	}
	close(c.delivery)
}

// delivery must be called with b.mu held
func (b *Broker) delivery(ch *Channel, c *consumer, msg amqp.Publishing, key string) amqp.Delivery {
	b.tag++
	if c.autoAck {
		b.acks[b.tag] = "ack"
	}
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		AppId:           msg.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     b.tag,
		RoutingKey:      key,
		Body:            msg.Body,
	}
}
