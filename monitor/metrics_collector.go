package monitor

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Operation is a bus operation whose outcome and latency are recorded
type Operation string

const (
	OpSend    Operation = "send"
	OpReceive Operation = "receive"
	OpRequest Operation = "request"
)

// Event is a counted occurrence that is not an operation
type Event string

const (
	EventTransformFailure Event = "transform_failure"
	EventTransformDrop    Event = "transform_drop"
	EventReplyTimeout     Event = "reply_timeout"
	EventOrphanedReply    Event = "orphaned_reply"
)

// LatencyBuckets are the histogram upper bounds in milliseconds. A final
// +Inf bucket is implied.
var LatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Recorder receives operation outcomes from the bus
type Recorder interface {
	Observe(op Operation, latency time.Duration, err error)
	Increment(ev Event)
}

// NopRecorder discards everything
type NopRecorder struct{}

func (NopRecorder) Observe(Operation, time.Duration, error) {}
func (NopRecorder) Increment(Event)                         {}

// counter keeps a cumulative value and a window value reset on snapshot
type counter struct {
	total  atomic.Int64
	window atomic.Int64
}

func (c *counter) add(n int64) {
	c.total.Add(n)
	c.window.Add(n)
}

func (c *counter) read(reset bool) CounterValue {
	v := CounterValue{Total: c.total.Load()}
	if reset {
		v.Window = c.window.Swap(0)
	} else {
		v.Window = c.window.Load()
	}
	return v
}

type histogram struct {
	buckets []counter
	sumUs   counter
	count   counter
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]counter, len(LatencyBuckets)+1)}
}

func (h *histogram) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	idx := len(LatencyBuckets)
	for i, bound := range LatencyBuckets {
		if ms <= bound {
			idx = i
			break
		}
	}
	h.buckets[idx].add(1)
	h.sumUs.add(d.Microseconds())
	h.count.add(1)
}

func (h *histogram) read(reset bool) LatencySnapshot {
	s := LatencySnapshot{Buckets: make([]BucketCount, len(h.buckets))}
	for i := range h.buckets {
		bound := math.Inf(1)
		if i < len(LatencyBuckets) {
			bound = LatencyBuckets[i]
		}
		v := h.buckets[i].read(reset)
		s.Buckets[i] = BucketCount{UpperBoundMs: bound, Total: v.Total, Window: v.Window}
	}
	sum := h.sumUs.read(reset)
	s.SumMs = CounterValue{Total: sum.Total / 1000, Window: sum.Window / 1000}
	s.Count = h.count.read(reset)
	return s
}

type operationMetrics struct {
	count   counter
	failed  counter
	latency *histogram
}

// Metrics collects operation outcomes with atomic updates only. Unrelated
// operations never contend on a shared lock.
type Metrics struct {
	operations sync.Map // Operation -> *operationMetrics
	events     sync.Map // Event -> *counter
	failed     counter
	now        func() time.Time
}

// NewMetrics creates a collector with the known operations and events
// pre-registered so snapshots always list them
func NewMetrics() *Metrics {
	m := &Metrics{now: time.Now}
	for _, op := range []Operation{OpSend, OpReceive, OpRequest} {
		m.operation(op)
	}
	for _, ev := range []Event{EventTransformFailure, EventTransformDrop, EventReplyTimeout, EventOrphanedReply} {
		m.event(ev)
	}
	return m
}

func (m *Metrics) operation(op Operation) *operationMetrics {
	if v, ok := m.operations.Load(op); ok {
		return v.(*operationMetrics)
	}
	v, _ := m.operations.LoadOrStore(op, &operationMetrics{latency: newHistogram()})
	return v.(*operationMetrics)
}

func (m *Metrics) event(ev Event) *counter {
	if v, ok := m.events.Load(ev); ok {
		return v.(*counter)
	}
	v, _ := m.events.LoadOrStore(ev, &counter{})
	return v.(*counter)
}

// Observe implements Recorder
func (m *Metrics) Observe(op Operation, latency time.Duration, err error) {
	om := m.operation(op)
	om.count.add(1)
	om.latency.observe(latency)
	if err != nil {
		om.failed.add(1)
		m.failed.add(1)
	}
}

// Increment implements Recorder
func (m *Metrics) Increment(ev Event) {
	m.event(ev).add(1)
}

// Snapshot copies every counter. With reset the window values are swapped
// to zero as they are read; cumulative values are never reset.
//
// Counters are read one at a time, so an Observe running concurrently may
// land in this snapshot for one counter and in the next for another. Failed
// is read before count, and Observe bumps count first, so an operation's
// failed value never exceeds its count.
func (m *Metrics) Snapshot(reset bool) Snapshot {
	s := Snapshot{
		At:         m.now(),
		Operations: make(map[Operation]OperationSnapshot),
		Events:     make(map[Event]CounterValue),
	}
	m.operations.Range(func(k, v any) bool {
		om := v.(*operationMetrics)
		failed := om.failed.read(reset)
		s.Operations[k.(Operation)] = OperationSnapshot{
			Count:   om.count.read(reset),
			Failed:  failed,
			Latency: om.latency.read(reset),
		}
		return true
	})
	m.events.Range(func(k, v any) bool {
		s.Events[k.(Event)] = v.(*counter).read(reset)
		return true
	})
	s.Failed = m.failed.read(reset)
	return s
}

// CounterValue is a counter read at snapshot time
type CounterValue struct {
	Total  int64 `json:"total"`
	Window int64 `json:"window"`
}

// BucketCount is one latency histogram bucket
type BucketCount struct {
	UpperBoundMs float64 `json:"le_ms"`
	Total        int64   `json:"total"`
	Window       int64   `json:"window"`
}

// LatencySnapshot is a latency histogram read at snapshot time. Buckets are
// not cumulative: each counts only the observations above the previous bound.
type LatencySnapshot struct {
	Buckets []BucketCount `json:"buckets"`
	SumMs   CounterValue  `json:"sum_ms"`
	Count   CounterValue  `json:"count"`
}

// MeanMs returns the mean cumulative latency
func (l LatencySnapshot) MeanMs() float64 {
	if l.Count.Total == 0 {
		return 0
	}
	return float64(l.SumMs.Total) / float64(l.Count.Total)
}

// WindowMeanMs returns the mean latency of the current window
func (l LatencySnapshot) WindowMeanMs() float64 {
	if l.Count.Window == 0 {
		return 0
	}
	return float64(l.SumMs.Window) / float64(l.Count.Window)
}

// OperationSnapshot holds the counters of one operation kind
type OperationSnapshot struct {
	Count   CounterValue    `json:"count"`
	Failed  CounterValue    `json:"failed"`
	Latency LatencySnapshot `json:"latency"`
}

// Snapshot is an immutable copy of all metrics
type Snapshot struct {
	At         time.Time                       `json:"at"`
	Operations map[Operation]OperationSnapshot `json:"operations"`
	Events     map[Event]CounterValue          `json:"events"`
	Failed     CounterValue                    `json:"failed"`
}
