package reliability

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every state transition, outside the
// breaker's lock
type StateChangeFunc func(from, to State, reason string)

// CircuitBreaker rejects work after consecutive failures until a cool-down
// has passed. After the cool-down a single trial is let through: success
// closes the circuit, failure opens it again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	successes int

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	name             string
	now              func() time.Time
	onChange         []StateChangeFunc
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many successful trials close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithName sets the name used in errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers fn for state transitions
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.onChange = append(cb.onChange, fn)
		}
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		openTimeout:      30 * time.Second,
		name:             "default",
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Allow reports whether work may proceed. Every nil return must be followed
// by exactly one Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		retryAt := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(retryAt) {
			err := cb.openError(retryAt)
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
		cb.successes = 0
		notify := cb.transition(StateHalfOpen, "open timeout elapsed")
		cb.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if cb.probing {
			err := cb.openError(cb.now())
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
	}

	cb.mu.Unlock()
	return nil
}

// Record records the outcome of work admitted by Allow
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	notify := func() {}

	if err != nil {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.openedAt = cb.now()
				notify = cb.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.probing = false
			cb.openedAt = cb.now()
			notify = cb.transition(StateOpen, "trial failed")
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probing = false
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.failures = 0
				notify = cb.transition(StateClosed,
					fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
			}
		}
	}

	cb.mu.Unlock()
	notify()
}

// Cancel gives back an admission from Allow whose work never ran
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := func() {}
	if cb.state != StateClosed {
		notify = cb.transition(StateClosed, "reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) openError(retryAt time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		RetryAt:          retryAt,
	}
}

// transition must be called with mu held; the returned func runs the
// listeners and must be called after unlocking
func (cb *CircuitBreaker) transition(to State, reason string) func() {
	from := cb.state
	cb.state = to
	listeners := append([]StateChangeFunc(nil), cb.onChange...)
	return func() {
		for _, fn := range listeners {
			fn(from, to, reason)
		}
	}
}
