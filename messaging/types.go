package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultContentType is set on replies unless send options override it
const DefaultContentType = "application/json"

// ConsumerHandler processes one delivery. A nil return means the handler settled the delivery.
type ConsumerHandler func(ctx context.Context, msg amqp.Delivery) error

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Queue is a queue declared on every start
type Queue struct {
	Name    string
	Options QueueOptions
}

// ConsumeOptions are the broker consume flags of one binding
type ConsumeOptions struct {
	ConsumerTag string
	NoAck       bool
	Exclusive   bool
	Args        amqp.Table
}

// ConsumeConfig is a buffered consumer binding, activated on start
type ConsumeConfig struct {
	QueueName string
	Handler   ConsumerHandler
	Options   ConsumeOptions
}

// SendOptions are the message properties of an outgoing message
type SendOptions struct {
	CorrelationID   string
	ReplyTo         string
	ContentType     string
	ContentEncoding string
	// Expiration is the per-message TTL in decimal milliseconds
	Expiration string
	MessageID  string
	Type       string
	AppID      string
	Persistent bool
	Priority   uint8
	Headers    amqp.Table
}

// Merge returns o overlaid with the non-zero fields of over. Headers are merged key by key.
func (o SendOptions) Merge(over SendOptions) SendOptions {
	merged := o
	if over.CorrelationID != "" {
		merged.CorrelationID = over.CorrelationID
	}
	if over.ReplyTo != "" {
		merged.ReplyTo = over.ReplyTo
	}
	if over.ContentType != "" {
		merged.ContentType = over.ContentType
	}
	if over.ContentEncoding != "" {
		merged.ContentEncoding = over.ContentEncoding
	}
	if over.Expiration != "" {
		merged.Expiration = over.Expiration
	}
	if over.MessageID != "" {
		merged.MessageID = over.MessageID
	}
	if over.Type != "" {
		merged.Type = over.Type
	}
	if over.AppID != "" {
		merged.AppID = over.AppID
	}
	if over.Persistent {
		merged.Persistent = true
	}
	if over.Priority != 0 {
		merged.Priority = over.Priority
	}
	if len(over.Headers) > 0 {
		headers := make(amqp.Table, len(o.Headers)+len(over.Headers))
		for k, v := range o.Headers {
			headers[k] = v
		}
		for k, v := range over.Headers {
			headers[k] = v
		}
		merged.Headers = headers
	}
	return merged
}

// Publishing builds the amqp message carrying body
func (o SendOptions) Publishing(body []byte) amqp.Publishing {
	msg := amqp.Publishing{
		Headers:         o.Headers,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		Priority:        o.Priority,
		CorrelationId:   o.CorrelationID,
		ReplyTo:         o.ReplyTo,
		Expiration:      o.Expiration,
		MessageId:       o.MessageID,
		Type:            o.Type,
		AppId:           o.AppID,
		Body:            body,
	}
	if o.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// HandlerType selects how a controller operation is exposed on a queue
type HandlerType int

const (
	// Listener handlers consume and acknowledge without replying
	Listener HandlerType = iota
	// Consumer handlers reply to the message's replyTo queue
	Consumer
)

func (t HandlerType) String() string {
	switch t {
	case Listener:
		return "Listener"
	case Consumer:
		return "Consumer"
	default:
		return "Unknown"
	}
}

// HandlerMetadata describes how to bind a controller operation to a queue
type HandlerMetadata struct {
	Type             HandlerType
	Queue            string
	Key              string
	ConsumeOptions   ConsumeOptions
	SendOptions      SendOptions
	SendOptionsError SendOptions
}
