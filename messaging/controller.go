package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Operation is a controller method invoked with the decoded message content.
// Its result is the reply of an RPC consumer and is ignored by listeners.
type Operation func(ctx context.Context, content any) (any, error)

// Controller is a typed registry of operations addressed by name
type Controller struct {
	ops map[string]Operation
	mu  sync.RWMutex
}

// NewController creates an empty controller
func NewController() *Controller {
	return &Controller{
		ops: make(map[string]Operation),
	}
}

// Register adds op under name
func (c *Controller) Register(name string, op Operation) error {
	if name == "" || op == nil {
		return &ConfigurationError{Key: name, Err: ErrInvalidHandler}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.ops[name]; exists {
		return &ConfigurationError{Key: name, Err: ErrDuplicateOperation}
	}
	c.ops[name] = op
	return nil
}

// Operation returns the operation registered under name
func (c *Controller) Operation(name string) (Operation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.ops[name]
	return op, ok
}

// Names lists the registered operation names in order
func (c *Controller) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Typed adapts fn to an Operation by re-shaping the decoded content into T
func Typed[T any](fn func(ctx context.Context, in T) (any, error)) Operation {
	return func(ctx context.Context, content any) (any, error) {
		var in T
		if typed, ok := content.(T); ok {
			return fn(ctx, typed)
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode content: %w", err)
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("content does not match %T: %w", in, err)
		}
		return fn(ctx, in)
	}
}
