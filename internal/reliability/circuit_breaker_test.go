package reliability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errTest = errors.New("test error")

func fail(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(errTest)
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Allow())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithClock(clock.Now), WithName("orders"))

		fail(t, cb, 3)
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Allow()
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "orders", openErr.Name)
		assert.Equal(t, 3, openErr.Failures)
		assert.Equal(t, clock.Now().Add(30*time.Second), openErr.RetryAt)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		fail(t, cb, 1)
		require.NoError(t, cb.Allow())
		cb.Record(nil)
		fail(t, cb, 1)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("lets one trial through after the open timeout", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Minute), WithClock(clock.Now))
		fail(t, cb, 1)

		clock.Advance(time.Minute)
		require.NoError(t, cb.Allow())
		assert.Equal(t, StateHalfOpen, cb.State())

		err := cb.Allow()
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, StateHalfOpen, openErr.State)
	})

	t.Run("successful trial closes the circuit", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), WithClock(clock.Now))
		fail(t, cb, 1)

		clock.Advance(time.Second)
		require.NoError(t, cb.Allow())
		cb.Record(nil)

		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Allow())
	})

	t.Run("success threshold needs several trials", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithSuccessThreshold(2), WithOpenTimeout(time.Second), WithClock(clock.Now))
		fail(t, cb, 1)
		clock.Advance(time.Second)

		require.NoError(t, cb.Allow())
		cb.Record(nil)
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Allow())
		cb.Record(nil)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failed trial opens the circuit again", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), WithClock(clock.Now))
		fail(t, cb, 1)

		clock.Advance(time.Second)
		require.NoError(t, cb.Allow())
		cb.Record(errTest)

		assert.Equal(t, StateOpen, cb.State())
		var openErr *CircuitOpenError
		require.ErrorAs(t, cb.Allow(), &openErr)
		assert.Equal(t, clock.Now().Add(time.Second), openErr.RetryAt)
	})

	t.Run("Cancel frees the trial", func(t *testing.T) {
		clock := newFakeClock()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(time.Second), WithClock(clock.Now))
		fail(t, cb, 1)
		clock.Advance(time.Second)

		require.NoError(t, cb.Allow())
		cb.Cancel()
		assert.NoError(t, cb.Allow())
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("state changes are reported", func(t *testing.T) {
		clock := newFakeClock()
		var changes []string
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithOpenTimeout(time.Second),
			WithClock(clock.Now),
			WithStateChange(func(from, to State, _ string) {
				changes = append(changes, from.String()+"->"+to.String())
			}))

		fail(t, cb, 1)
		clock.Advance(time.Second)
		require.NoError(t, cb.Allow())
		cb.Record(nil)

		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
	})

	t.Run("Reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		fail(t, cb, 1)

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Allow())
	})
}
