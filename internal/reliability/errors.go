package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every CircuitOpenError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitOpenError is returned by Allow while the breaker rejects work
type CircuitOpenError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	RetryAt          time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial already in flight", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry at %s)",
		e.Name, e.Failures, e.FailureThreshold, e.RetryAt.Format(time.RFC3339))
}

// Is reports ErrCircuitOpen
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
