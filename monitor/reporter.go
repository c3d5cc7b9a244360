package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrReporterRunning is returned by Start when the reporter already runs
	ErrReporterRunning = errors.New("metrics reporter is already running")

	// ErrReporterStopped is returned by Stop when the reporter is not running
	ErrReporterStopped = errors.New("metrics reporter is not running")
)

// Sink receives metric snapshots
type Sink interface {
	Emit(ctx context.Context, snapshot Snapshot) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, snapshot Snapshot) error

// Emit implements Sink
func (f SinkFunc) Emit(ctx context.Context, snapshot Snapshot) error {
	return f(ctx, snapshot)
}

// MultiSink emits to every sink and joins their errors
type MultiSink []Sink

// Emit implements Sink
func (m MultiSink) Emit(ctx context.Context, snapshot Snapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reporter periodically snapshots metrics, resets the window counters and
// emits the snapshot to a sink
type Reporter struct {
	metrics     *Metrics
	sink        Sink
	logger      *slog.Logger
	interval    time.Duration
	emitTimeout time.Duration

	runningMutex sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// ReporterOption configures a reporter
type ReporterOption func(*Reporter)

// WithInterval sets the reporting interval
func WithInterval(interval time.Duration) ReporterOption {
	return func(r *Reporter) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithEmitTimeout bounds a single emission
func WithEmitTimeout(timeout time.Duration) ReporterOption {
	return func(r *Reporter) {
		if timeout > 0 {
			r.emitTimeout = timeout
		}
	}
}

// WithReporterLogger sets the logger used for emission failures
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReporter creates a reporter for metrics
func NewReporter(metrics *Metrics, sink Sink, options ...ReporterOption) *Reporter {
	r := &Reporter{
		metrics:     metrics,
		sink:        sink,
		logger:      slog.Default(),
		interval:    30 * time.Second,
		emitTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Start begins periodic reporting until ctx is done or Stop is called
func (r *Reporter) Start(ctx context.Context) error {
	r.runningMutex.Lock()
	defer r.runningMutex.Unlock()

	if r.running {
		return ErrReporterRunning
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true

	r.logger.Info("Starting metrics reporter", "interval", r.interval)
	go r.loop(ctx, r.done)
	return nil
}

// Stop ends reporting and emits a final snapshot
func (r *Reporter) Stop() error {
	r.runningMutex.Lock()
	if !r.running {
		r.runningMutex.Unlock()
		return ErrReporterStopped
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.runningMutex.Unlock()

	cancel()
	<-done

	r.logger.Info("Stopping metrics reporter")
	return r.Flush(context.Background())
}

// IsRunning returns whether the reporter is running
func (r *Reporter) IsRunning() bool {
	r.runningMutex.Lock()
	defer r.runningMutex.Unlock()
	return r.running
}

// Flush snapshots with window reset and emits once. Emission errors are
// logged and returned; the counters are unaffected by them.
func (r *Reporter) Flush(ctx context.Context) error {
	snapshot := r.metrics.Snapshot(true)

	emitCtx, cancel := context.WithTimeout(ctx, r.emitTimeout)
	defer cancel()

	if err := r.sink.Emit(emitCtx, snapshot); err != nil {
		r.logger.Error("Failed to emit metrics", "error", err)
		return fmt.Errorf("failed to emit metrics: %w", err)
	}
	return nil
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}
