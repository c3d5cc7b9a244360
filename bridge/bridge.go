package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/internal/reliability"
)

var (
	// ErrBridgeRunning is returned by Run when the bridge is already running
	ErrBridgeRunning = errors.New("bridge: already running")

	// ErrReplyUnsupported is returned when a request arrives on a source
	// that cannot send replies
	ErrReplyUnsupported = errors.New("bridge: source bus cannot reply")
)

// MessageBus is the bus surface a bridge moves messages between
type MessageBus interface {
	Send(ctx context.Context, msg contracts.Message) error
	Receive(ctx context.Context, timeout time.Duration) (contracts.Message, bool, error)
	Request(ctx context.Context, msg contracts.Message, timeout time.Duration) (contracts.Message, error)
	Close() error
}

// Replier sends a reply back to the sender of a request
type Replier interface {
	Reply(ctx context.Context, request, reply contracts.Message) error
}

// BridgeOption configures a message bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge. FailureThreshold
// consecutive destination failures stop the bridge from taking messages off
// the source for OpenTimeout; zero disables the breaker.
type BridgeConfig struct {
	RequestReply     bool
	PollTimeout      time.Duration
	RequestTimeout   time.Duration
	ErrorBackoff     time.Duration
	MaxErrorBackoff  time.Duration
	FailureThreshold int
	OpenTimeout      time.Duration
	Logger           *slog.Logger
}

// WithRequestReply forwards messages carrying a reply destination as
// requests and routes the reply back to the source
func WithRequestReply(enabled bool) BridgeOption {
	return func(c *BridgeConfig) {
		c.RequestReply = enabled
	}
}

// WithPollTimeout sets how long each receive on the source waits
func WithPollTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.PollTimeout = timeout
	}
}

// WithRequestTimeout sets how long a forwarded request waits for its reply
func WithRequestTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.RequestTimeout = timeout
	}
}

// WithErrorBackoff sets the initial and maximum pause after failed steps in
// Run. The pause doubles with each consecutive failure.
func WithErrorBackoff(initial, max time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.ErrorBackoff = initial
		c.MaxErrorBackoff = max
	}
}

// WithCircuitBreaker stops consuming from the source for openTimeout after
// threshold consecutive destination failures
func WithCircuitBreaker(threshold int, openTimeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.FailureThreshold = threshold
		c.OpenTimeout = openTimeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// Stats counts what a bridge has done. Paused counts steps skipped while
// the circuit was open.
type Stats struct {
	Forwarded int64
	Requests  int64
	Failed    int64
	Paused    int64
}

// MessageBridge moves messages from a source bus to a destination bus
type MessageBridge struct {
	name        string
	source      MessageBus
	destination MessageBus
	config      BridgeConfig
	logger      *slog.Logger
	backoff     *reliability.ExponentialBackoff
	breaker     *reliability.CircuitBreaker

	forwarded atomic.Int64
	requests  atomic.Int64
	failed    atomic.Int64
	paused    atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewMessageBridge creates a bridge. Request/reply is on by default.
func NewMessageBridge(name string, source, destination MessageBus, opts ...BridgeOption) (*MessageBridge, error) {
	if source == nil {
		return nil, fmt.Errorf("bridge %s: source cannot be nil", name)
	}
	if destination == nil {
		return nil, fmt.Errorf("bridge %s: destination cannot be nil", name)
	}

	config := BridgeConfig{
		RequestReply:     true,
		PollTimeout:      time.Second,
		RequestTimeout:   30 * time.Second,
		ErrorBackoff:     time.Second,
		MaxErrorBackoff:  30 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.PollTimeout <= 0 {
		return nil, fmt.Errorf("bridge %s: poll timeout must be positive", name)
	}

	b := &MessageBridge{
		name:        name,
		source:      source,
		destination: destination,
		config:      config,
		logger:      config.Logger.With("bridge", name),
		backoff:     reliability.NewExponentialBackoff(config.ErrorBackoff, config.MaxErrorBackoff, 2.0),
	}
	if config.FailureThreshold > 0 {
		b.breaker = reliability.NewCircuitBreaker(
			reliability.WithName(name),
			reliability.WithFailureThreshold(config.FailureThreshold),
			reliability.WithOpenTimeout(config.OpenTimeout),
			reliability.WithStateChange(func(from, to reliability.State, reason string) {
				b.logger.Warn("Bridge circuit changed", "from", from, "to", to, "reason", reason)
			}),
		)
	}
	return b, nil
}

// Name returns the bridge name
func (b *MessageBridge) Name() string {
	return b.name
}

// Process moves at most one message. It reports whether a message was
// received from the source. While the circuit is open nothing is received
// and the returned error matches reliability.ErrCircuitOpen.
func (b *MessageBridge) Process(ctx context.Context) (bool, error) {
	if b.breaker != nil {
		if err := b.breaker.Allow(); err != nil {
			b.paused.Add(1)
			return false, fmt.Errorf("bridge %s: %w", b.name, err)
		}
	}

	msg, ok, err := b.source.Receive(ctx, b.config.PollTimeout)
	if err != nil {
		b.cancelAdmission()
		return false, fmt.Errorf("bridge %s: receive: %w", b.name, err)
	}
	if !ok {
		b.cancelAdmission()
		return false, nil
	}

	if b.config.RequestReply && !msg.GetReplyTo().IsZero() {
		if err := b.forwardRequest(ctx, msg); err != nil {
			b.failed.Add(1)
			return true, err
		}
		b.requests.Add(1)
		return true, nil
	}

	err = b.destination.Send(ctx, msg)
	b.record(err)
	if err != nil {
		b.failed.Add(1)
		return true, fmt.Errorf("bridge %s: forward %s: %w", b.name, msg.GetID(), err)
	}
	b.forwarded.Add(1)
	return true, nil
}

func (b *MessageBridge) forwardRequest(ctx context.Context, msg contracts.Message) error {
	replier, ok := b.source.(Replier)
	if !ok {
		b.cancelAdmission()
		return fmt.Errorf("bridge %s: %w", b.name, ErrReplyUnsupported)
	}

	// the destination bus assigns its own correlation ID and reply destination
	outbound := msg.WithReplyTo(contracts.ReplyTo{}).WithCorrelationID("")

	reply, err := b.destination.Request(ctx, outbound, b.config.RequestTimeout)
	b.record(err)
	if err != nil {
		return fmt.Errorf("bridge %s: request %s: %w", b.name, msg.GetID(), err)
	}

	if err := replier.Reply(ctx, msg, reply); err != nil {
		return fmt.Errorf("bridge %s: reply to %s: %w", b.name, msg.GetReplyTo().Destination, err)
	}

	b.logger.Debug("Request bridged",
		"messageId", msg.GetID(),
		"correlationId", msg.GetCorrelationID(),
		"replyTo", msg.GetReplyTo().Destination)
	return nil
}

func (b *MessageBridge) record(err error) {
	if b.breaker != nil {
		b.breaker.Record(err)
	}
}

func (b *MessageBridge) cancelAdmission() {
	if b.breaker != nil {
		b.breaker.Cancel()
	}
}

// CircuitState returns the state of the destination circuit breaker. A
// bridge without a breaker is always closed.
func (b *MessageBridge) CircuitState() reliability.State {
	if b.breaker == nil {
		return reliability.StateClosed
	}
	return b.breaker.State()
}

// Run processes messages until ctx is done. Failed steps are logged and
// followed by a growing backoff pause. While the circuit is open Run sleeps
// until the breaker lets a trial through.
func (b *MessageBridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrBridgeRunning
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	b.logger.Info("Bridge started", "requestReply", b.config.RequestReply)
	defer b.logger.Info("Bridge stopped", "forwarded", b.forwarded.Load(), "failed", b.failed.Load())

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := b.Process(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		var openErr *reliability.CircuitOpenError
		if errors.As(err, &openErr) {
			delay = time.Until(openErr.RetryAt)
			if delay <= 0 {
				delay = b.config.ErrorBackoff
			}
			b.logger.Debug("Bridge paused", "until", openErr.RetryAt)
		} else {
			delay = b.backoff.NextDelay(failures)
			failures++
			b.logger.Warn("Bridge step failed", "error", err, "retryIn", delay)
		}

		if !reliability.Sleep(ctx, delay) {
			return nil
		}
	}
}

// Stats returns the bridge counters
func (b *MessageBridge) Stats() Stats {
	return Stats{
		Forwarded: b.forwarded.Load(),
		Requests:  b.requests.Load(),
		Failed:    b.failed.Load(),
		Paused:    b.paused.Load(),
	}
}

// Close closes both buses
func (b *MessageBridge) Close() error {
	return errors.Join(b.source.Close(), b.destination.Close())
}
