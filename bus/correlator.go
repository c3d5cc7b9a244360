package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/monitor"
)

// pendingReply is a request waiting for its reply. The entry stays
// registered after fulfilment until its awaiter collects the reply.
type pendingReply struct {
	id        string
	replyCh   chan contracts.Message
	timeout   time.Duration
	deadline  time.Time
	createdAt time.Time
	fulfilled bool
	awaited   bool
}

// ReceiveFunc reads the next reply. ok is false when nothing arrived
// within the poll interval or the reply was dropped.
type ReceiveFunc func(ctx context.Context) (msg contracts.Message, ok bool, err error)

// CorrelatorOption configures a ReplyCorrelator
type CorrelatorOption func(*ReplyCorrelator)

// WithCorrelatorClock replaces time.Now for deadlines
func WithCorrelatorClock(now func() time.Time) CorrelatorOption {
	return func(c *ReplyCorrelator) {
		if now != nil {
			c.now = now
		}
	}
}

// ReplyCorrelator matches replies to outstanding requests by correlation ID.
// Each request owns a buffered channel, so fulfilment never scans a queue
// and a late reply never blocks the delivering goroutine.
type ReplyCorrelator struct {
	mu       sync.Mutex
	pending  map[string]*pendingReply
	closed   bool
	done     chan struct{}
	recorder monitor.Recorder
	logger   *slog.Logger
	now      func() time.Time

	// retryDelay spaces out receive attempts after a receive error
	retryDelay time.Duration
}

// NewReplyCorrelator creates an empty correlator
func NewReplyCorrelator(recorder monitor.Recorder, logger *slog.Logger, options ...CorrelatorOption) *ReplyCorrelator {
	if recorder == nil {
		recorder = monitor.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &ReplyCorrelator{
		pending:    make(map[string]*pendingReply),
		done:       make(chan struct{}),
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// PrepareRequest registers a request under a fresh correlation ID
func (c *ReplyCorrelator) PrepareRequest(timeout time.Duration) (string, error) {
	id := uuid.New().String()
	if err := c.PrepareRequestWithID(id, timeout); err != nil {
		return "", err
	}
	return id, nil
}

// PrepareRequestWithID registers a request under a caller supplied ID. It
// must be called before the request is sent so an immediate reply finds it.
// The deadline is fixed here, not when the caller starts waiting.
func (c *ReplyCorrelator) PrepareRequestWithID(id string, timeout time.Duration) error {
	if id == "" {
		return fmt.Errorf("%w: empty correlation id", ErrInvalidConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	now := c.now()
	c.expireLocked(now)
	if _, exists := c.pending[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, id)
	}

	c.pending[id] = &pendingReply{
		id:        id,
		replyCh:   make(chan contracts.Message, 1),
		timeout:   timeout,
		deadline:  now.Add(timeout),
		createdAt: now,
	}
	return nil
}

// expireLocked drops entries nobody is waiting on whose deadline passed
func (c *ReplyCorrelator) expireLocked(now time.Time) {
	for id, p := range c.pending {
		if p.awaited || now.Before(p.deadline) {
			continue
		}
		delete(c.pending, id)
		if !p.fulfilled {
			c.recorder.Increment(monitor.EventReplyTimeout)
			c.logger.Debug("Reply expired before anyone waited", "correlationId", id, "timeout", p.timeout)
		}
	}
}

// AwaitReply blocks until the reply for id arrives, the deadline set by
// PrepareRequest passes, ctx is done or the correlator closes. A reply
// delivered before the deadline is returned even if it arrived before
// AwaitReply was called. The entry is removed on every path.
func (c *ReplyCorrelator) AwaitReply(ctx context.Context, id string) (contracts.Message, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	closed := c.closed
	if ok && !p.awaited {
		p.awaited = true
	} else if ok {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		if closed {
			return contracts.Message{}, ErrClosed
		}
		return contracts.Message{}, fmt.Errorf("%w: %s", ErrUnknownCorrelationID, id)
	}

	select {
	case reply := <-p.replyCh:
		c.remove(id)
		return reply, nil
	default:
	}

	timer := time.NewTimer(p.deadline.Sub(c.now()))
	defer timer.Stop()

	select {
	case reply := <-p.replyCh:
		c.remove(id)
		return reply, nil

	case <-timer.C:
		if reply, ok := c.collect(p); ok {
			return reply, nil
		}
		c.recorder.Increment(monitor.EventReplyTimeout)
		c.logger.Debug("Reply timed out",
			"correlationId", id,
			"timeout", p.timeout,
			"age", c.now().Sub(p.createdAt))
		return contracts.Message{}, &ReplyTimeoutError{CorrelationID: id, Timeout: p.timeout}

	case <-ctx.Done():
		if reply, ok := c.collect(p); ok {
			return reply, nil
		}
		return contracts.Message{}, ctx.Err()

	case <-c.done:
		if reply, ok := c.collect(p); ok {
			return reply, nil
		}
		return contracts.Message{}, ErrClosed
	}
}

// collect removes p and returns its reply if Deliver fulfilled it. Deliver
// fills the buffer under the lock, so a fulfilled entry always has it.
func (c *ReplyCorrelator) collect(p *pendingReply) (contracts.Message, bool) {
	c.mu.Lock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
	}
	fulfilled := p.fulfilled
	c.mu.Unlock()

	if !fulfilled {
		return contracts.Message{}, false
	}
	return <-p.replyCh, true
}

// Deliver fulfils the request matching msg's correlation ID. Replies that
// match nothing, arrive after the deadline, or repeat a fulfilled request
// are counted as orphaned and dropped.
func (c *ReplyCorrelator) Deliver(msg contracts.Message) bool {
	id := msg.GetCorrelationID()

	c.mu.Lock()
	now := c.now()
	p, ok := c.pending[id]
	if ok && !now.Before(p.deadline) {
		ok = false
	}
	c.expireLocked(now)
	if ok && !p.fulfilled {
		p.fulfilled = true
		p.replyCh <- msg
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	c.recorder.Increment(monitor.EventOrphanedReply)
	c.logger.Debug("Dropping reply without pending request", "correlationId", id, "messageId", msg.GetID())
	return false
}

// Forget removes a registered request that will not be awaited
func (c *ReplyCorrelator) Forget(id string) {
	c.remove(id)
}

func (c *ReplyCorrelator) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Run reads replies with receive and delivers them until ctx is done or
// the correlator closes
func (c *ReplyCorrelator) Run(ctx context.Context, receive ReceiveFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		msg, ok, err := receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to receive reply", "error", err)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}
		if ok {
			c.Deliver(msg)
		}
	}
}

// Close wakes every waiter with ErrClosed and rejects new requests
func (c *ReplyCorrelator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for id := range c.pending {
		delete(c.pending, id)
	}
}

// Pending returns the number of outstanding requests
func (c *ReplyCorrelator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
