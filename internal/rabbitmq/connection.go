package rabbitmq

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds how long Connect waits for the dialer
const DefaultConnectTimeout = 30 * time.Second

// Connector dials a broker and opens the shared channel
type Connector struct {
	url     string
	dialer  Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// ConnectorOption configures the Connector
type ConnectorOption func(*Connector)

// WithDialer replaces the default amqp091 dialer
func WithDialer(dialer Dialer) ConnectorOption {
	return func(c *Connector) {
		c.dialer = dialer
	}
}

// WithConnectTimeout sets the dial timeout
func WithConnectTimeout(timeout time.Duration) ConnectorOption {
	return func(c *Connector) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// NewConnector creates a connector for url
func NewConnector(url string, options ...ConnectorOption) *Connector {
	c := &Connector{
		url:     url,
		dialer:  DialAMQP,
		timeout: DefaultConnectTimeout,
		logger:  zap.NewNop(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect dials the broker, giving up when ctx ends or the connect timeout elapses.
// A connection that arrives after giving up is closed.
func (c *Connector) Connect(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := c.dialer(c.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(c.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}
		c.logger.Info("connected to RabbitMQ", zap.String("url", SanitizeURL(c.url)))
		return res.conn, nil

	case <-connCtx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// OpenChannel opens a channel on conn and applies prefetch when prefetchCount > 0
func OpenChannel(conn Connection, prefetchCount int) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	if prefetchCount > 0 {
		if err := ch.Qos(prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}
	return ch, nil
}
