package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/gofer-go/messaging"
)

// BrokerChecker checks that the broker connection is usable by opening
// and closing a session on it
type BrokerChecker struct {
	broker *messaging.Broker
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(broker *messaging.Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"url": c.broker.URL().String()},
	}
	defer func() { result.Duration = time.Since(start) }()

	if !c.broker.Connected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		return result
	}

	session, err := c.broker.Session(ctx, "health")
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open session"
		result.Error = err.Error()
		return result
	}
	session.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Details["response_time_ms"] = time.Since(start).Milliseconds()
	return result
}

// Runner is anything with a background loop, such as a reply consumer
type Runner interface {
	Running() bool
}

// RunnerChecker reports unhealthy once a background loop has stopped
type RunnerChecker struct {
	name   string
	runner Runner
}

// NewRunnerChecker creates a checker for runner
func NewRunnerChecker(name string, runner Runner) *RunnerChecker {
	return &RunnerChecker{name: name, runner: runner}
}

func (c *RunnerChecker) Name() string {
	return c.name
}

func (c *RunnerChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy, Message: "running"}
	if !c.runner.Running() {
		result.Status = StatusUnhealthy
		result.Message = "stopped"
	}
	return result
}

// GoroutineChecker degrades above warn goroutines and fails above critical
type GoroutineChecker struct {
	warn     int
	critical int
}

// NewGoroutineChecker creates a new goroutine count checker
func NewGoroutineChecker(warn, critical int) *GoroutineChecker {
	return &GoroutineChecker{warn: warn, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(context.Context) CheckResult {
	n := runtime.NumGoroutine()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]any{"goroutines": n},
	}
	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
	}
	return result
}
