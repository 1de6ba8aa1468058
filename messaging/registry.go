package messaging

import (
	"sync"
)

// Resolver maps a logical queue key to a physical queue name
type Resolver interface {
	Resolve(key string) string
}

// ResolverFunc is a function adapter for Resolver
type ResolverFunc func(key string) string

// Resolve implements Resolver
func (f ResolverFunc) Resolve(key string) string {
	return f(key)
}

// ConsumerRegistry buffers consumer bindings until the connection activates them
type ConsumerRegistry struct {
	resolver   Resolver
	dispatcher *Dispatcher
	queues     map[string]struct{}
	consumers  []ConsumeConfig
	mu         sync.RWMutex
}

// NewConsumerRegistry creates a registry accepting bindings on the given queue set
func NewConsumerRegistry(queues []Queue, resolver Resolver, dispatcher *Dispatcher) *ConsumerRegistry {
	declared := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		declared[q.Name] = struct{}{}
	}
	if resolver == nil {
		resolver = ResolverFunc(func(key string) string { return key })
	}
	return &ConsumerRegistry{
		resolver:   resolver,
		dispatcher: dispatcher,
		queues:     declared,
	}
}

// AddConsume resolves queueKey and buffers the binding. It fails with a
// ConfigurationError when the queue is not part of the declared set.
func (r *ConsumerRegistry) AddConsume(queueKey string, handler ConsumerHandler, options ConsumeOptions) error {
	queueName := r.resolver.Resolve(queueKey)
	if handler == nil {
		return &ConfigurationError{Queue: queueName, Err: ErrInvalidHandler}
	}
	if !r.HasQueue(queueName) {
		return &ConfigurationError{Queue: queueName, Err: ErrUndeclaredQueue}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, ConsumeConfig{
		QueueName: queueName,
		Handler:   handler,
		Options:   options,
	})
	return nil
}

// ConstructAndAddConsume builds the handler described by meta and buffers it on meta.Queue
func (r *ConsumerRegistry) ConstructAndAddConsume(meta HandlerMetadata, controller *Controller) error {
	if r.dispatcher == nil {
		return &ConfigurationError{Queue: meta.Queue, Key: meta.Key, Err: ErrInvalidHandler}
	}
	handler, err := r.dispatcher.Build(meta, controller)
	if err != nil {
		return err
	}
	return r.AddConsume(meta.Queue, handler, meta.ConsumeOptions)
}

// HasQueue reports whether name is in the declared queue set
func (r *ConsumerRegistry) HasQueue(name string) bool {
	_, ok := r.queues[name]
	return ok
}

// Resolve maps a queue key to its physical name
func (r *ConsumerRegistry) Resolve(queueKey string) string {
	return r.resolver.Resolve(queueKey)
}

// Consumers returns a snapshot of the buffered bindings in registration order
func (r *ConsumerRegistry) Consumers() []ConsumeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConsumeConfig(nil), r.consumers...)
}

// Len returns the number of buffered bindings
func (r *ConsumerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}
