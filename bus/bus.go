package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/monitor"
	"github.com/glimte/busbridge/transform"
)

// Bus adapts a messaging.Transport to bridge-native messages. Transport
// resources are built on first use and released by Close.
type Bus struct {
	transport  messaging.Transport
	config     Config
	graph      *ResourceGraph
	converter  *converter
	correlator *ReplyCorrelator
	recorder   monitor.Recorder
	logger     *slog.Logger

	loopMu      sync.Mutex
	loopStarted bool
	loopCancel  context.CancelFunc
	loopWG      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a bus over transport. No transport resource is touched until
// the first operation.
func New(transport messaging.Transport, options ...Option) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrInvalidConfiguration)
	}

	config := DefaultConfig()
	for _, opt := range options {
		opt(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.logger.With("destination", config.DestinationName)

	pipeline, err := transform.FromRegistry(config.transforms, transform.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to build transform pipeline: %w", err)
	}

	b := &Bus{
		transport: transport,
		config:    config,
		converter: &converter{
			pipeline:    pipeline,
			copyHeaders: config.CopyHeaders,
			timeSource:  config.timeSource,
		},
		correlator: NewReplyCorrelator(config.recorder, logger),
		recorder:   config.recorder,
		logger:     logger,
	}
	b.correlator.retryDelay = config.ReplyPollInterval
	b.graph = NewResourceGraph(b.builders(), logger)

	if config.responseDestination != nil {
		b.graph.Override(SlotResponseDestination, config.responseDestination)
	}

	return b, nil
}

func (b *Bus) builders() map[Slot]Builder {
	t, cfg := b.transport, b.config

	return map[Slot]Builder{
		SlotContext: func(ctx context.Context, _ Resolved) (any, error) {
			return t.OpenContext(ctx, cfg.NamingProperties)
		},
		SlotConnectionFactory: func(ctx context.Context, deps Resolved) (any, error) {
			return t.LookupConnectionFactory(ctx, deps[SlotContext], cfg.ConnectionFactoryName)
		},
		SlotConnection: func(ctx context.Context, deps Resolved) (any, error) {
			return t.Connect(ctx, deps[SlotConnectionFactory], cfg.Credentials)
		},
		SlotSession: func(ctx context.Context, deps Resolved) (any, error) {
			return t.OpenSession(ctx, deps[SlotConnection], cfg.Transactional, cfg.AckMode)
		},
		SlotDestination: func(ctx context.Context, deps Resolved) (any, error) {
			return t.ResolveDestination(ctx, deps[SlotContext], cfg.DestinationName)
		},
		SlotProducer: func(ctx context.Context, deps Resolved) (any, error) {
			return t.CreateProducer(ctx, deps[SlotSession], deps[SlotDestination].(messaging.Destination))
		},
		SlotConsumer: func(ctx context.Context, deps Resolved) (any, error) {
			return t.CreateConsumer(ctx, deps[SlotSession], deps[SlotDestination].(messaging.Destination))
		},
		SlotResponseDestination: func(ctx context.Context, deps Resolved) (any, error) {
			return t.CreateTemporaryDestination(ctx, deps[SlotSession])
		},
		SlotResponseConsumer: func(ctx context.Context, deps Resolved) (any, error) {
			return t.CreateConsumer(ctx, deps[SlotSession], deps[SlotResponseDestination].(messaging.Destination))
		},
	}
}

// Send converts msg and sends it to the destination. A message dropped by a
// transform is not sent and is not an error.
func (b *Bus) Send(ctx context.Context, msg contracts.Message) error {
	start := time.Now()
	err := b.send(ctx, msg)
	b.recorder.Observe(monitor.OpSend, time.Since(start), err)
	return err
}

func (b *Bus) send(ctx context.Context, msg contracts.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}

	out, ok, err := b.converter.toOutbound(msg)
	if err != nil {
		b.recorder.Increment(monitor.EventTransformFailure)
		return err
	}
	if !ok {
		b.recorder.Increment(monitor.EventTransformDrop)
		return nil
	}

	return b.deliver(ctx, "send", out)
}

// deliver sends an already converted message and commits transactional sessions
func (b *Bus) deliver(ctx context.Context, op string, out *messaging.Outbound) error {
	producer, err := b.graph.Get(ctx, SlotProducer)
	if err != nil {
		return err
	}

	if err := b.transport.Send(ctx, producer, out); err != nil {
		return &OperationError{Op: op, CorrelationID: out.CorrelationID, Err: err}
	}
	return b.commit(ctx, op, out.CorrelationID)
}

func (b *Bus) commit(ctx context.Context, op, correlationID string) error {
	if !b.config.Transactional {
		return nil
	}
	session, err := b.graph.Get(ctx, SlotSession)
	if err != nil {
		return err
	}
	if err := b.transport.Commit(ctx, session); err != nil {
		return &OperationError{Op: op + " commit", CorrelationID: correlationID, Err: err}
	}
	return nil
}

// Receive waits up to timeout for the next message. ok is false when
// nothing arrived or the message was dropped by a transform.
func (b *Bus) Receive(ctx context.Context, timeout time.Duration) (contracts.Message, bool, error) {
	if b.closed.Load() {
		return contracts.Message{}, false, ErrClosed
	}

	start := time.Now()
	msg, ok, delivered, err := b.receiveFrom(ctx, SlotConsumer, timeout)
	if delivered || err != nil {
		b.recorder.Observe(monitor.OpReceive, time.Since(start), err)
	}
	return msg, ok, err
}

// receiveFrom reads one delivery from the consumer in slot. delivered
// reports whether the transport produced anything at all.
func (b *Bus) receiveFrom(ctx context.Context, slot Slot, timeout time.Duration) (msg contracts.Message, ok, delivered bool, err error) {
	consumer, err := b.graph.Get(ctx, slot)
	if err != nil {
		return contracts.Message{}, false, false, err
	}

	d, err := b.transport.Receive(ctx, consumer, timeout)
	if err != nil {
		return contracts.Message{}, false, false, &OperationError{Op: "receive", Err: err}
	}
	if d == nil {
		return contracts.Message{}, false, false, nil
	}

	msg, ok, err = b.converter.toMessage(d)
	if err != nil {
		// left unacknowledged so the transport can redeliver it
		b.recorder.Increment(monitor.EventTransformFailure)
		b.logger.Warn("Failed to convert delivery",
			"correlationId", d.CorrelationID,
			"error", err)
		return contracts.Message{}, false, true, err
	}
	if !ok {
		b.recorder.Increment(monitor.EventTransformDrop)
	}

	if err := d.Acknowledge(); err != nil {
		return contracts.Message{}, false, true, &OperationError{Op: "acknowledge", CorrelationID: d.CorrelationID, Err: err}
	}
	if err := b.commit(ctx, "receive", d.CorrelationID); err != nil {
		return contracts.Message{}, false, true, err
	}
	return msg, ok, true, nil
}

// Request sends msg with a reply destination and waits up to timeout for
// the reply carrying the same correlation ID. A correlation ID already set
// on msg is used as is; otherwise a new one is generated.
func (b *Bus) Request(ctx context.Context, msg contracts.Message, timeout time.Duration) (contracts.Message, error) {
	start := time.Now()
	reply, err := b.request(ctx, msg, timeout)
	b.recorder.Observe(monitor.OpRequest, time.Since(start), err)
	return reply, err
}

func (b *Bus) request(ctx context.Context, msg contracts.Message, timeout time.Duration) (contracts.Message, error) {
	if b.closed.Load() {
		return contracts.Message{}, ErrClosed
	}

	if err := b.ensureReplyLoop(ctx); err != nil {
		return contracts.Message{}, err
	}

	replyDest, err := b.graph.Get(ctx, SlotResponseDestination)
	if err != nil {
		return contracts.Message{}, err
	}

	correlationID := msg.GetCorrelationID()
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	out, ok, err := b.converter.toOutbound(msg)
	if err != nil {
		b.recorder.Increment(monitor.EventTransformFailure)
		return contracts.Message{}, err
	}
	if !ok {
		b.recorder.Increment(monitor.EventTransformDrop)
		return contracts.Message{}, ErrDropped
	}
	out.CorrelationID = correlationID
	out.ReplyTo = replyDest.(messaging.Destination).DestinationName()

	if err := b.correlator.PrepareRequestWithID(correlationID, timeout); err != nil {
		return contracts.Message{}, err
	}

	if err := b.deliver(ctx, "request", out); err != nil {
		b.correlator.Forget(correlationID)
		return contracts.Message{}, err
	}

	b.logger.Debug("Request sent", "correlationId", correlationID, "replyTo", out.ReplyTo)
	return b.correlator.AwaitReply(ctx, correlationID)
}

// replyDestination names a destination that already exists on the transport,
// such as another client's temporary destination
type replyDestination string

func (d replyDestination) DestinationName() string {
	return string(d)
}

// Reply sends reply to the reply destination of request, carrying the
// request's correlation ID. A producer is created for each reply and
// released after the send.
func (b *Bus) Reply(ctx context.Context, request, reply contracts.Message) error {
	start := time.Now()
	err := b.reply(ctx, request, reply)
	b.recorder.Observe(monitor.OpSend, time.Since(start), err)
	return err
}

func (b *Bus) reply(ctx context.Context, request, reply contracts.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}

	target := request.GetReplyTo().Destination
	if target == "" {
		return fmt.Errorf("%w: request %s", ErrNoReplyDestination, request.GetID())
	}

	out, ok, err := b.converter.toOutbound(reply)
	if err != nil {
		b.recorder.Increment(monitor.EventTransformFailure)
		return err
	}
	if !ok {
		b.recorder.Increment(monitor.EventTransformDrop)
		return nil
	}
	out.CorrelationID = request.GetCorrelationID()

	session, err := b.graph.Get(ctx, SlotSession)
	if err != nil {
		return err
	}
	producer, err := b.transport.CreateProducer(ctx, session, replyDestination(target))
	if err != nil {
		return &OperationError{Op: "reply", CorrelationID: out.CorrelationID, Err: err}
	}
	defer func() {
		if closer, ok := producer.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				b.logger.Warn("Failed to release reply producer", "replyTo", target, "error", cerr)
			}
		}
	}()

	if err := b.transport.Send(ctx, producer, out); err != nil {
		return &OperationError{Op: "reply", CorrelationID: out.CorrelationID, Err: err}
	}
	return b.commit(ctx, "reply", out.CorrelationID)
}

// ensureReplyLoop starts the single reply reader on first use. A failed
// start is retried by the next request.
func (b *Bus) ensureReplyLoop(ctx context.Context) error {
	b.loopMu.Lock()
	defer b.loopMu.Unlock()

	if b.loopStarted {
		return nil
	}
	if b.closed.Load() {
		return ErrClosed
	}

	if _, err := b.graph.Get(ctx, SlotResponseConsumer); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.loopCancel = cancel
	b.loopStarted = true

	b.loopWG.Add(1)
	go func() {
		defer b.loopWG.Done()
		b.correlator.Run(loopCtx, b.receiveReply)
	}()

	b.logger.Debug("Reply loop started")
	return nil
}

func (b *Bus) receiveReply(ctx context.Context) (contracts.Message, bool, error) {
	msg, ok, _, err := b.receiveFrom(ctx, SlotResponseConsumer, b.config.ReplyPollInterval)
	var transformErr *transform.TransformError
	if errors.As(err, &transformErr) {
		// already counted and logged, keep the loop going
		return contracts.Message{}, false, nil
	}
	return msg, ok, err
}

// Close stops pending requests with ErrClosed, stops the reply loop and
// releases transport resources in reverse construction order. Release
// failures are returned together as a *ShutdownError.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.correlator.Close()

		b.loopMu.Lock()
		cancel := b.loopCancel
		b.loopMu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.loopWG.Wait()

		b.closeErr = b.graph.Close()
		b.logger.Debug("Bus closed", "error", b.closeErr)
	})
	return b.closeErr
}

// Graph exposes the resource graph for diagnostics
func (b *Bus) Graph() *ResourceGraph {
	return b.graph
}

// Pending returns the number of requests awaiting a reply
func (b *Bus) Pending() int {
	return b.correlator.Pending()
}

// Destination returns the logical destination name
func (b *Bus) Destination() string {
	return b.config.DestinationName
}
