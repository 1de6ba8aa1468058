// Package health reports whether a connection manager is able to serve traffic.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// StateSource is anything exposing a lifecycle state, such as *mmate.ConnectionManager
type StateSource[S fmt.Stringer] interface {
	State() S
}

// ConnectionChecker maps a manager's lifecycle state to a health status:
// running is healthy, starting and stopping are degraded, anything else is unhealthy.
type ConnectionChecker[S fmt.Stringer] struct {
	source StateSource[S]
}

// NewConnectionChecker creates a checker over source
func NewConnectionChecker[S fmt.Stringer](source StateSource[S]) *ConnectionChecker[S] {
	return &ConnectionChecker[S]{source: source}
}

func (c *ConnectionChecker[S]) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker[S]) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State().String()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state},
	}

	switch state {
	case "running":
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case "starting", "stopping":
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connection is %s", state)
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}
