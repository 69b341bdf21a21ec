// Package health provides liveness checks over the bender-mq connection
// lifecycle, suitable for wiring into a service's health endpoint.
package health

import (
	"context"
	"time"

	"github.com/atoav/bender-mq/messaging"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// StateReporter reports a connection lifecycle state. Satisfied by
// messaging.ConnectionManager.
type StateReporter interface {
	State() messaging.ConnectionState
}

// ConnectionChecker reports broker connectivity from the lifecycle state:
// Ready is healthy, Connecting and Degraded are degraded (a reconnect is in
// flight), everything else is unhealthy.
type ConnectionChecker struct {
	reporter StateReporter
	name     string
}

// NewConnectionChecker creates a checker over the given state reporter.
func NewConnectionChecker(reporter StateReporter) *ConnectionChecker {
	return &ConnectionChecker{
		reporter: reporter,
		name:     "broker-connection",
	}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
	}

	state := c.reporter.State()
	result.Message = state.String()

	switch state {
	case messaging.StateReady:
		result.Status = StatusHealthy
	case messaging.StateConnecting, messaging.StateDegraded:
		result.Status = StatusDegraded
	default:
		result.Status = StatusUnhealthy
	}

	result.Duration = time.Since(start)
	return result
}
