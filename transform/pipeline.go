package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/glimte/busbridge/contracts"
)

var (
	// ErrPipelineBuilt is returned by Register after Build
	ErrPipelineBuilt = errors.New("transform: pipeline already built")

	// ErrPipelineNotBuilt is returned by Apply before Build
	ErrPipelineNotBuilt = errors.New("transform: pipeline not built")

	// ErrInvalidDescriptor is returned for descriptors without a name or function
	ErrInvalidDescriptor = errors.New("transform: invalid descriptor")
)

// Direction tells a transform which way the message is converted
type Direction int

const (
	// Inbound converts transport deliveries into bridge messages
	Inbound Direction = iota
	// Outbound converts bridge messages into transport sends
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Func is a single transform stage
type Func func(msg contracts.Message, dir Direction) Result

// Unordered is the effective ordinal of descriptors without one
const Unordered = math.MaxInt

// Descriptor names a transform and fixes its place in the pipeline
type Descriptor struct {
	Name      string
	Ordinal   *int
	Transform Func
}

// NewDescriptor creates a descriptor with an explicit ordinal
func NewDescriptor(name string, ordinal int, fn Func) Descriptor {
	return Descriptor{Name: name, Ordinal: &ordinal, Transform: fn}
}

// NewUnorderedDescriptor creates a descriptor that runs after all ordered ones
func NewUnorderedDescriptor(name string, fn Func) Descriptor {
	return Descriptor{Name: name, Transform: fn}
}

// EffectiveOrdinal returns the ordinal used for sorting
func (d Descriptor) EffectiveOrdinal() int {
	if d.Ordinal == nil {
		return Unordered
	}
	return *d.Ordinal
}

// TransformError reports the stage that rejected a message
type TransformError struct {
	Stage     string
	Direction Direction
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %q failed (%s): %v", e.Stage, e.Direction, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

type registered struct {
	Descriptor
	seq int
}

// Pipeline applies transforms in ordinal order. Descriptors are registered
// first, then Build freezes the order; Apply is only valid afterwards.
type Pipeline struct {
	mu      sync.RWMutex
	pending []registered
	stages  []Descriptor
	built   bool
	logger  *slog.Logger
}

// PipelineOption configures a pipeline
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates an empty pipeline
func NewPipeline(options ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: slog.Default()}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// FromRegistry registers every descriptor of r and builds the pipeline
func FromRegistry(r Registry, options ...PipelineOption) (*Pipeline, error) {
	p := NewPipeline(options...)
	if r != nil {
		for _, d := range r.Descriptors() {
			if err := p.Register(d); err != nil {
				return nil, err
			}
		}
	}
	p.Build()
	return p, nil
}

// Register adds a transform. Registration order breaks ordinal ties.
func (p *Pipeline) Register(d Descriptor) error {
	if d.Name == "" || d.Transform == nil {
		return fmt.Errorf("%w: name and transform are required", ErrInvalidDescriptor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.built {
		return fmt.Errorf("%w: cannot register %q", ErrPipelineBuilt, d.Name)
	}
	p.pending = append(p.pending, registered{Descriptor: d, seq: len(p.pending)})
	return nil
}

// Build freezes the stage order: ordinal ascending, registration order on
// ties, descriptors without ordinal last. Calling Build again is a no-op.
func (p *Pipeline) Build() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.built {
		return
	}

	sorted := slices.Clone(p.pending)
	slices.SortStableFunc(sorted, func(a, b registered) int {
		ao, bo := a.EffectiveOrdinal(), b.EffectiveOrdinal()
		switch {
		case ao < bo:
			return -1
		case ao > bo:
			return 1
		default:
			return a.seq - b.seq
		}
	})

	p.stages = make([]Descriptor, len(sorted))
	for i, r := range sorted {
		p.stages[i] = r.Descriptor
	}
	p.pending = nil
	p.built = true

	p.logger.Debug("transform pipeline built", "stages", p.namesLocked())
}

// Stages returns the stage names in application order
func (p *Pipeline) Stages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.namesLocked()
}

func (p *Pipeline) namesLocked() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Apply folds msg through every stage. It returns ok=false without error
// when a stage drops the message, and a *TransformError when one fails.
func (p *Pipeline) Apply(msg contracts.Message, dir Direction) (contracts.Message, bool, error) {
	p.mu.RLock()
	built, stages := p.built, p.stages
	p.mu.RUnlock()

	if !built {
		return contracts.Message{}, false, ErrPipelineNotBuilt
	}

	current := msg
	for _, stage := range stages {
		result := stage.Transform(current, dir)
		switch result.Kind() {
		case KindPassed:
		case KindModified:
			current = result.Message()
		case KindDropped:
			p.logger.Debug("message dropped by transform",
				"stage", stage.Name,
				"direction", dir.String(),
				"messageId", current.GetID())
			return contracts.Message{}, false, nil
		case KindFailed:
			return contracts.Message{}, false, &TransformError{Stage: stage.Name, Direction: dir, Err: result.Err()}
		default:
			return contracts.Message{}, false, &TransformError{
				Stage:     stage.Name,
				Direction: dir,
				Err:       fmt.Errorf("unknown result kind %d", result.Kind()),
			}
		}
	}
	return current, true, nil
}
