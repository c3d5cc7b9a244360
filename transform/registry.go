package transform

import (
	"fmt"
	"sort"
	"sync"
)

// Registry supplies the already-discovered transforms
type Registry interface {
	Descriptors() []Descriptor
}

// StaticRegistry is a fixed list of descriptors in discovery order
type StaticRegistry []Descriptor

// Descriptors implements Registry
func (r StaticRegistry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r...)
}

// Factory creates a transform from configuration parameters
type Factory func(params map[string]string) (Func, error)

// Spec selects a catalog transform by name, as listed in configuration
type Spec struct {
	Name    string            `yaml:"name"`
	Ordinal *int              `yaml:"ordinal,omitempty"`
	Params  map[string]string `yaml:"params,omitempty"`
}

// Catalog maps transform names to factories so configuration can refer to
// transforms by name
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// DefaultCatalog returns a catalog holding the built-in transforms
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Add("drop-header", headerFilterFactory)
	c.Add("strip-headers", stripHeadersFactory)
	c.Add("set-headers", setHeadersFactory)
	c.Add("max-body-size", maxBodySizeFactory)
	c.Add("require-header", requireHeaderFactory)
	return c
}

// Add registers a factory, replacing any previous one with the same name
func (c *Catalog) Add(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Names lists the known transform names
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve turns configured specs into a registry, keeping their order
func (c *Catalog) Resolve(specs []Spec) (StaticRegistry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	registry := make(StaticRegistry, 0, len(specs))
	for i, spec := range specs {
		f, ok := c.factories[spec.Name]
		if !ok {
			return nil, fmt.Errorf("transform %d: unknown transform %q", i, spec.Name)
		}
		fn, err := f(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("transform %d (%s): %w", i, spec.Name, err)
		}
		registry = append(registry, Descriptor{Name: spec.Name, Ordinal: spec.Ordinal, Transform: fn})
	}
	return registry, nil
}
