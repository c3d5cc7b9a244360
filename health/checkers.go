package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/busbridge/internal/reliability"
)

// CircuitSource is a component guarded by a circuit breaker
type CircuitSource interface {
	Name() string
	CircuitState() reliability.State
}

// CircuitChecker maps a circuit breaker state to health: open is
// unhealthy, half-open is degraded
type CircuitChecker struct {
	source CircuitSource
}

// NewCircuitChecker creates a checker for source
func NewCircuitChecker(source CircuitSource) *CircuitChecker {
	return &CircuitChecker{source: source}
}

func (c *CircuitChecker) Name() string {
	return "bridge:" + c.source.Name()
}

func (c *CircuitChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.CircuitState()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"circuit": state.String()},
	}
	switch state {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "destination failing, bridge paused"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "probing destination"
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}

// PendingSource reports outstanding request/reply exchanges
type PendingSource interface {
	Destination() string
	Pending() int
}

// PendingChecker reports degraded once more than threshold requests are
// awaiting replies
type PendingChecker struct {
	name      string
	source    PendingSource
	threshold int
}

// NewPendingChecker creates a checker for a bus
func NewPendingChecker(name string, source PendingSource, threshold int) *PendingChecker {
	return &PendingChecker{name: name, source: source, threshold: threshold}
}

func (c *PendingChecker) Name() string {
	return "bus:" + c.name
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.source.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]interface{}{
			"destination": c.source.Destination(),
			"pending":     pending,
		},
	}
	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests awaiting replies", pending)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]interface{}{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}
	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	result.Duration = time.Since(start)
	return result
}
