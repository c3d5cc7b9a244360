package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Slot names a lazily built transport resource
type Slot int

const (
	SlotContext Slot = iota
	SlotConnectionFactory
	SlotConnection
	SlotSession
	SlotDestination
	SlotProducer
	SlotConsumer
	SlotResponseDestination
	SlotResponseConsumer

	slotCount
)

var slotNames = [slotCount]string{
	SlotContext:             "context",
	SlotConnectionFactory:   "connection-factory",
	SlotConnection:          "connection",
	SlotSession:             "session",
	SlotDestination:         "destination",
	SlotProducer:            "producer",
	SlotConsumer:            "consumer",
	SlotResponseDestination: "response-destination",
	SlotResponseConsumer:    "response-consumer",
}

// slotDeps lists the slots each slot is built from, in resolution order
var slotDeps = [slotCount][]Slot{
	SlotContext:             nil,
	SlotConnectionFactory:   {SlotContext},
	SlotConnection:          {SlotConnectionFactory},
	SlotSession:             {SlotConnection},
	SlotDestination:         {SlotContext},
	SlotProducer:            {SlotSession, SlotDestination},
	SlotConsumer:            {SlotSession, SlotDestination},
	SlotResponseDestination: {SlotSession},
	SlotResponseConsumer:    {SlotSession, SlotResponseDestination},
}

func (s Slot) String() string {
	if s < 0 || s >= slotCount {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotNames[s]
}

// Dependencies returns the slots s is built from
func (s Slot) Dependencies() []Slot {
	if s < 0 || s >= slotCount {
		return nil
	}
	return append([]Slot(nil), slotDeps[s]...)
}

// Slots returns every slot in declaration order
func Slots() []Slot {
	slots := make([]Slot, 0, slotCount)
	for s := Slot(0); s < slotCount; s++ {
		slots = append(slots, s)
	}
	return slots
}

// Resolved holds the already-built dependencies handed to a Builder
type Resolved map[Slot]any

// Builder builds a slot from its resolved dependencies
type Builder func(ctx context.Context, deps Resolved) (any, error)

type slotValue struct {
	v any
	// owned values were built by the graph and are released by Close
	owned bool
}

type slotState struct {
	mu       sync.Mutex
	value    atomic.Pointer[slotValue]
	builder  Builder
	override *slotValue
}

// ResourceGraph lazily builds and memoizes the transport resource chain.
// A materialized slot is never rebuilt. First builds are serialized per
// slot; reads of built slots take no lock.
type ResourceGraph struct {
	slots  [slotCount]slotState
	mu     sync.Mutex
	order  []Slot
	closed bool
	logger *slog.Logger
}

// NewResourceGraph creates a graph from per-slot builders
func NewResourceGraph(builders map[Slot]Builder, logger *slog.Logger) *ResourceGraph {
	if logger == nil {
		logger = slog.Default()
	}
	g := &ResourceGraph{logger: logger}
	for slot, b := range builders {
		if slot >= 0 && slot < slotCount {
			g.slots[slot].builder = b
		}
	}
	return g
}

// Get returns the slot's value, building it and its dependencies on first use
func (g *ResourceGraph) Get(ctx context.Context, slot Slot) (any, error) {
	if slot < 0 || slot >= slotCount {
		return nil, &ResourceBuildError{Slot: slot, Cause: ErrNoBuilder}
	}

	s := &g.slots[slot]
	if v := s.value.Load(); v != nil {
		return v.v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.value.Load(); v != nil {
		return v.v, nil
	}
	if g.isClosed() {
		return nil, ErrClosed
	}

	var built *slotValue
	if s.override != nil {
		built = s.override
	} else {
		if s.builder == nil {
			return nil, &ResourceBuildError{Slot: slot, Cause: ErrNoBuilder}
		}

		deps := make(Resolved, len(slotDeps[slot]))
		for _, dep := range slotDeps[slot] {
			v, err := g.Get(ctx, dep)
			if err != nil {
				return nil, &ResourceBuildError{Slot: slot, Cause: err}
			}
			deps[dep] = v
		}

		v, err := s.builder(ctx, deps)
		if err != nil {
			return nil, &ResourceBuildError{Slot: slot, Cause: err}
		}
		built = &slotValue{v: v, owned: true}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		if built.owned {
			_ = release(built.v)
		}
		return nil, ErrClosed
	}
	s.value.Store(built)
	g.order = append(g.order, slot)
	g.mu.Unlock()

	g.logger.Debug("resource materialized", "slot", slot.String())
	return built.v, nil
}

// Override supplies a slot's value directly instead of building it. The
// caller keeps ownership: Close does not release overridden values. It
// panics when the slot has already been materialized.
func (g *ResourceGraph) Override(slot Slot, value any) {
	if slot < 0 || slot >= slotCount {
		panic(fmt.Errorf("busbridge: override of unknown %s", slot))
	}

	s := &g.slots[slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value.Load() != nil {
		panic(fmt.Errorf("%w: %s", ErrSlotMaterialized, slot))
	}
	s.override = &slotValue{v: value}
}

// Materialized reports whether slot has been built
func (g *ResourceGraph) Materialized(slot Slot) bool {
	if slot < 0 || slot >= slotCount {
		return false
	}
	return g.slots[slot].value.Load() != nil
}

// Order returns the slots in the order they were materialized
func (g *ResourceGraph) Order() []Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Slot(nil), g.order...)
}

// Close releases every materialized slot in reverse construction order.
// It keeps going past failures and reports them together.
func (g *ResourceGraph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	order := append([]Slot(nil), g.order...)
	g.mu.Unlock()

	var failures []error
	for i := len(order) - 1; i >= 0; i-- {
		slot := order[i]
		v := g.slots[slot].value.Load()
		if v == nil || !v.owned {
			continue
		}
		if err := release(v.v); err != nil {
			g.logger.Error("failed to release resource", "slot", slot.String(), "error", err)
			failures = append(failures, &ReleaseError{Slot: slot, Err: err})
		}
	}

	if len(failures) > 0 {
		return &ShutdownError{Failures: failures}
	}
	return nil
}

func (g *ResourceGraph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func release(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
