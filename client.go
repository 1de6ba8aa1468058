// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

// ConnectionManager owns the broker connection and its single shared channel,
// declares the configured queues and activates buffered consumers on Start.
type ConnectionManager struct {
	url        string
	queues     []messaging.Queue
	resolver   *config.QueueNameResolver
	dispatcher *messaging.Dispatcher
	registry   *messaging.ConsumerRegistry
	broker     *messaging.CorrelationBroker
	connector  *rabbitmq.Connector
	logger     *zap.Logger
	prefetch   int
	policy     FailurePolicy
	onError    ErrorHandler

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     State
	conn      rabbitmq.Connection
	ch        rabbitmq.Channel
	consumer  *rabbitmq.Consumer
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	cancel    context.CancelFunc
}

// New creates a stopped manager for url. The queue set is copied and fixed for the
// lifetime of the manager; extract backs queue name resolution and may be nil.
func New(url string, queues []messaging.Queue, extract config.ValueExtractor, options ...Option) *ConnectionManager {
	cfg := &managerConfig{
		logger:         zap.NewNop(),
		connectTimeout: rabbitmq.DefaultConnectTimeout,
		dialer:         rabbitmq.DialAMQP,
		policy:         LeaveUnacked,
	}

	for _, opt := range options {
		opt(cfg)
	}

	m := &ConnectionManager{
		url:      url,
		queues:   append([]messaging.Queue(nil), queues...),
		resolver: config.NewQueueNameResolver(extract),
		logger:   cfg.logger,
		prefetch: cfg.prefetch,
		policy:   cfg.policy,
		onError:  cfg.onError,
		connector: rabbitmq.NewConnector(url,
			rabbitmq.WithDialer(cfg.dialer),
			rabbitmq.WithConnectTimeout(cfg.connectTimeout),
			rabbitmq.WithLogger(cfg.logger),
		),
	}

	m.dispatcher = messaging.NewDispatcher(
		messaging.PublisherFunc(m.publish),
		messaging.WithDispatcherLogger(cfg.logger),
	)
	m.registry = messaging.NewConsumerRegistry(m.queues, m.resolver, m.dispatcher)

	brokerOpts := []messaging.CorrelationBrokerOption{messaging.WithBrokerLogger(cfg.logger)}
	if cfg.onUnmatched != nil {
		brokerOpts = append(brokerOpts, messaging.WithUnmatchedReplyHandler(cfg.onUnmatched))
	}
	m.broker = messaging.NewCorrelationBroker(&replyTransport{m: m}, brokerOpts...)

	return m
}

// State returns the current lifecycle state
func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ConnectionManager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Queues returns the declared queue set
func (m *ConnectionManager) Queues() []messaging.Queue {
	return append([]messaging.Queue(nil), m.queues...)
}

// Resolve maps a logical queue key to its physical queue name
func (m *ConnectionManager) Resolve(queueKey string) string {
	return m.resolver.Resolve(queueKey)
}

// Consumers returns the buffered consumer bindings
func (m *ConnectionManager) Consumers() []messaging.ConsumeConfig {
	return m.registry.Consumers()
}

// AddConsume buffers a consumer on queueKey. Bindings take effect on the next Start.
func (m *ConnectionManager) AddConsume(queueKey string, handler messaging.ConsumerHandler, options messaging.ConsumeOptions) error {
	if err := m.registry.AddConsume(queueKey, handler, options); err != nil {
		return err
	}
	m.warnIfStarted(queueKey)
	return nil
}

// ConstructAndAddConsume builds the handler described by meta around controller and buffers it
func (m *ConnectionManager) ConstructAndAddConsume(meta messaging.HandlerMetadata, controller *messaging.Controller) error {
	if err := m.registry.ConstructAndAddConsume(meta, controller); err != nil {
		return err
	}
	m.warnIfStarted(meta.Queue)
	return nil
}

func (m *ConnectionManager) warnIfStarted(queueKey string) {
	if state := m.State(); state != StateStopped {
		m.logger.Warn("consumer registered after start, it will be activated on the next start",
			zap.String("queue", m.resolver.Resolve(queueKey)),
			zap.Stringer("state", state),
		)
	}
}

// Start connects, declares every queue and activates every buffered consumer.
// It does nothing unless the manager is stopped. On failure everything opened
// so far is closed and the manager is stopped again.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.State() != StateStopped {
		return nil
	}
	m.setState(StateStarting)

	conn, err := m.connector.Connect(ctx)
	if err != nil {
		m.setState(StateStopped)
		return err
	}

	ch, err := rabbitmq.OpenChannel(conn, m.prefetch)
	if err != nil {
		m.abortStart(conn, nil, nil)
		return err
	}

	topology := rabbitmq.NewTopologyManager(ch)
	if err := topology.DeclareQueues(declarations(m.queues)); err != nil {
		m.abortStart(conn, ch, nil)
		return err
	}

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithFailurePolicy(m.policy),
		rabbitmq.WithConsumerLogger(m.logger),
	}
	if m.onError != nil {
		consumerOpts = append(consumerOpts, rabbitmq.WithErrorHandler(m.onError))
	}
	consumer := rabbitmq.NewConsumer(ch, consumerOpts...)
	consumeCtx, cancel := context.WithCancel(context.Background())

	// consumers may reply to backlogged requests before the loop below finishes
	m.mu.Lock()
	m.conn = conn
	m.ch = ch
	m.consumer = consumer
	m.topology = topology
	m.publisher = rabbitmq.NewPublisher(ch)
	m.cancel = cancel
	m.mu.Unlock()

	for _, binding := range m.registry.Consumers() {
		_, err := consumer.Subscribe(consumeCtx, binding.QueueName, subscribeOptions(binding.Options), rabbitmq.MessageHandler(binding.Handler))
		if err != nil {
			cancel()
			m.abortStart(conn, ch, consumer)
			return err
		}
	}

	m.setState(StateRunning)

	m.logger.Info("connection manager started",
		zap.String("url", rabbitmq.SanitizeURL(m.url)),
		zap.Int("queues", len(m.queues)),
		zap.Int("consumers", m.registry.Len()),
	)
	return nil
}

func (m *ConnectionManager) abortStart(conn rabbitmq.Connection, ch rabbitmq.Channel, consumer *rabbitmq.Consumer) {
	m.clearSession()
	if consumer != nil {
		if err := consumer.CancelAll(); err != nil {
			m.logger.Warn("failed to cancel consumers after failed start", zap.Error(err))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Warn("failed to close channel after failed start", zap.Error(err))
		}
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("failed to close connection after failed start", zap.Error(err))
	}
	m.setState(StateStopped)
}

// Stop cancels every consumer, closes the channel and then the connection.
// It does nothing unless the manager is running and always ends stopped.
func (m *ConnectionManager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	conn, ch, consumer, cancel := m.conn, m.ch, m.consumer, m.cancel
	m.conn, m.ch, m.consumer, m.publisher, m.topology, m.cancel = nil, nil, nil, nil, nil, nil
	m.mu.Unlock()

	var errs []error
	if err := consumer.CancelAll(); err != nil {
		errs = append(errs, err)
	}
	cancel()
	if err := ch.Close(); err != nil {
		errs = append(errs, &rabbitmq.ChannelError{Op: "close", Err: err, Timestamp: time.Now()})
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, &rabbitmq.ConnectionError{
			Op:        "close",
			URL:       rabbitmq.SanitizeURL(m.url),
			Err:       err,
			Timestamp: time.Now(),
		})
	}

	m.setState(StateStopped)
	m.logger.Info("connection manager stopped", zap.String("url", rabbitmq.SanitizeURL(m.url)))

	return errors.Join(errs...)
}

// SendToQueue encodes payload and publishes it to the queue resolved from queueKey
func (m *ConnectionManager) SendToQueue(ctx context.Context, queueKey string, payload any, options messaging.SendOptions) error {
	body, err := messaging.Encode(payload)
	if err != nil {
		return err
	}
	return m.publish(ctx, m.resolver.Resolve(queueKey), options.Publishing(body))
}

// SendToQueueAck publishes payload like SendToQueue and then acks msg
func (m *ConnectionManager) SendToQueueAck(ctx context.Context, queueKey string, payload any, msg amqp.Delivery, options messaging.SendOptions) error {
	if err := m.SendToQueue(ctx, queueKey, payload, options); err != nil {
		return err
	}
	return msg.Ack(false)
}

// SendAndReceive sends payload to the queue resolved from queueKey and waits up to
// timeout for the correlated reply. A zero timeout waits until ctx ends.
func (m *ConnectionManager) SendAndReceive(ctx context.Context, queueKey string, payload any, options messaging.SendOptions, timeout time.Duration) (any, error) {
	if m.State() != StateRunning {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return m.broker.SendAndReceive(ctx, m.resolver.Resolve(queueKey), payload, options, timeout)
}

// session returns the components bound to the live channel. The session exists
// from the moment consumers are activated in Start until Stop begins.
func (m *ConnectionManager) session() (*rabbitmq.Publisher, *rabbitmq.Consumer, *rabbitmq.TopologyManager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.publisher == nil {
		return nil, nil, nil, rabbitmq.ErrConnectionNotReady
	}
	return m.publisher, m.consumer, m.topology, nil
}

func (m *ConnectionManager) clearSession() {
	m.mu.Lock()
	m.conn, m.ch, m.consumer, m.publisher, m.topology, m.cancel = nil, nil, nil, nil, nil, nil
	m.mu.Unlock()
}

func (m *ConnectionManager) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	publisher, _, _, err := m.session()
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, queue, msg)
}

// replyTransport exposes the live channel to the correlation broker
type replyTransport struct {
	m *ConnectionManager
}

func (t *replyTransport) DeclareReplyQueue(name string) error {
	_, _, topology, err := t.m.session()
	if err != nil {
		return err
	}
	_, err = topology.DeclareQueue(rabbitmq.QueueDeclaration{
		Name:       name,
		Exclusive:  true,
		AutoDelete: true,
	})
	return err
}

func (t *replyTransport) DeleteQueue(name string) error {
	_, _, topology, err := t.m.session()
	if err != nil {
		return err
	}
	return topology.DeleteQueue(name)
}

func (t *replyTransport) Subscribe(ctx context.Context, queue, consumerTag string, handler messaging.ConsumerHandler) error {
	_, consumer, _, err := t.m.session()
	if err != nil {
		return err
	}
	_, err = consumer.Subscribe(ctx, queue, rabbitmq.SubscribeOptions{ConsumerTag: consumerTag}, rabbitmq.MessageHandler(handler))
	return err
}

func (t *replyTransport) Cancel(consumerTag string) error {
	_, consumer, _, err := t.m.session()
	if err != nil {
		return err
	}
	return consumer.Cancel(consumerTag)
}

func (t *replyTransport) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return t.m.publish(ctx, queue, msg)
}

func declarations(queues []messaging.Queue) []rabbitmq.QueueDeclaration {
	decls := make([]rabbitmq.QueueDeclaration, 0, len(queues))
	for _, q := range queues {
		decls = append(decls, rabbitmq.QueueDeclaration{
			Name:       q.Name,
			Durable:    q.Options.Durable,
			AutoDelete: q.Options.AutoDelete,
			Exclusive:  q.Options.Exclusive,
			Arguments:  q.Options.Args,
		})
	}
	return decls
}

func subscribeOptions(options messaging.ConsumeOptions) rabbitmq.SubscribeOptions {
	return rabbitmq.SubscribeOptions{
		ConsumerTag: options.ConsumerTag,
		AutoAck:     options.NoAck,
		Exclusive:   options.Exclusive,
		Arguments:   options.Args,
	}
}
