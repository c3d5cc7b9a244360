package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LogSink writes each snapshot as one structured log record
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger, Level: slog.LevelInfo}
}

// Emit implements Sink
func (s *LogSink) Emit(ctx context.Context, snapshot Snapshot) error {
	attrs := make([]any, 0, len(snapshot.Operations)+len(snapshot.Events)+1)

	for _, op := range sortedOperations(snapshot) {
		o := snapshot.Operations[op]
		attrs = append(attrs, slog.Group(string(op),
			"count", o.Count.Window,
			"failed", o.Failed.Window,
			"total", o.Count.Total,
			"meanMs", o.Latency.WindowMeanMs(),
		))
	}

	events := make([]any, 0, len(snapshot.Events))
	for _, ev := range sortedEvents(snapshot) {
		events = append(events, string(ev), snapshot.Events[ev].Window)
	}
	attrs = append(attrs, slog.Group("events", events...), "failed", snapshot.Failed.Window)

	s.Logger.Log(ctx, s.Level, "Bus metrics", attrs...)
	return nil
}

func sortedOperations(s Snapshot) []Operation {
	ops := make([]Operation, 0, len(s.Operations))
	for op := range s.Operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func sortedEvents(s Snapshot) []Event {
	evs := make([]Event, 0, len(s.Events))
	for ev := range s.Events {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i] < evs[j] })
	return evs
}

// PrometheusSink exposes the latest snapshot to Prometheus. Cumulative
// counters and the latency histogram are served from the snapshot on
// scrape; window values are exported as gauges.
type PrometheusSink struct {
	mu   sync.RWMutex
	last *Snapshot

	operationsDesc *prometheus.Desc
	failedDesc     *prometheus.Desc
	eventsDesc     *prometheus.Desc
	latencyDesc    *prometheus.Desc

	windowOperations *prometheus.GaugeVec
	windowEvents     *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// NewPrometheusSink creates a sink. A nil registerer selects the default one.
func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		registerer: registerer,
		operationsDesc: prometheus.NewDesc("busbridge_operations_total",
			"Total number of bus operations", []string{"operation"}, nil),
		failedDesc: prometheus.NewDesc("busbridge_operations_failed_total",
			"Total number of failed bus operations", []string{"operation"}, nil),
		eventsDesc: prometheus.NewDesc("busbridge_events_total",
			"Total number of bus events such as transform drops and reply timeouts", []string{"event"}, nil),
		latencyDesc: prometheus.NewDesc("busbridge_operation_duration_seconds",
			"Latency of bus operations", []string{"operation"}, nil),
		windowOperations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "busbridge",
			Subsystem: "window",
			Name:      "operations",
			Help:      "Bus operations in the last reporting window",
		}, []string{"operation", "outcome"}),
		windowEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "busbridge",
			Subsystem: "window",
			Name:      "events",
			Help:      "Bus events in the last reporting window",
		}, []string{"event"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (s *PrometheusSink) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{s, s.windowOperations, s.windowEvents} {
		if err := s.registerer.Register(c); err != nil {
			return err
		}
	}
	s.registered = true
	return nil
}

// Emit implements Sink
func (s *PrometheusSink) Emit(_ context.Context, snapshot Snapshot) error {
	for op, o := range snapshot.Operations {
		ok := o.Count.Window - o.Failed.Window
		if ok < 0 {
			ok = 0
		}
		s.windowOperations.WithLabelValues(string(op), "ok").Set(float64(ok))
		s.windowOperations.WithLabelValues(string(op), "failed").Set(float64(o.Failed.Window))
	}
	for ev, v := range snapshot.Events {
		s.windowEvents.WithLabelValues(string(ev)).Set(float64(v.Window))
	}

	s.mu.Lock()
	s.last = &snapshot
	s.mu.Unlock()
	return nil
}

// Describe implements prometheus.Collector
func (s *PrometheusSink) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.operationsDesc
	ch <- s.failedDesc
	ch <- s.eventsDesc
	ch <- s.latencyDesc
}

// Collect implements prometheus.Collector
func (s *PrometheusSink) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last == nil {
		return
	}

	for op, o := range last.Operations {
		ch <- prometheus.MustNewConstMetric(s.operationsDesc, prometheus.CounterValue, float64(o.Count.Total), string(op))
		ch <- prometheus.MustNewConstMetric(s.failedDesc, prometheus.CounterValue, float64(o.Failed.Total), string(op))

		buckets := make(map[float64]uint64, len(o.Latency.Buckets))
		var cumulative uint64
		for _, b := range o.Latency.Buckets[:len(o.Latency.Buckets)-1] {
			cumulative += uint64(b.Total)
			buckets[b.UpperBoundMs/1000] = cumulative
		}
		ch <- prometheus.MustNewConstHistogram(s.latencyDesc,
			uint64(o.Latency.Count.Total), float64(o.Latency.SumMs.Total)/1000, buckets, string(op))
	}
	for ev, v := range last.Events {
		ch <- prometheus.MustNewConstMetric(s.eventsDesc, prometheus.CounterValue, float64(v.Total), string(ev))
	}
}
