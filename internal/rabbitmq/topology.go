package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// TopologyManager declares and deletes queues on the shared channel
type TopologyManager struct {
	ch Channel
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch Channel) *TopologyManager {
	return &TopologyManager{ch: ch}
}

// DeclareQueue declares a single queue. Declaring an existing queue with the same options is a no-op on the broker.
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// DeclareQueues declares queues in order and stops at the first failure
func (tm *TopologyManager) DeclareQueues(queues []QueueDeclaration) error {
	for _, queue := range queues {
		if _, err := tm.DeclareQueue(queue); err != nil {
			return err
		}
	}
	return nil
}

// DeleteQueue deletes a queue unconditionally
func (tm *TopologyManager) DeleteQueue(name string) error {
	if _, err := tm.ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}
