package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/xia2go/internal/config"
)

// Implementation binds a pipeline name to its stages.
type Implementation struct {
	Name        string
	Description string
	Processor   SweepProcessor
	Symmetry    SymmetryStage
	Scaler      Scaler
}

// Validate ensures every stage is present.
func (i Implementation) Validate() error {
	switch {
	case i.Name == "":
		return fmt.Errorf("pipeline: implementation name is required")
	case i.Processor == nil:
		return fmt.Errorf("pipeline: %s has no sweep processor", i.Name)
	case i.Symmetry == nil:
		return fmt.Errorf("pipeline: %s has no symmetry stage", i.Name)
	case i.Scaler == nil:
		return fmt.Errorf("pipeline: %s has no scaler", i.Name)
	}
	return nil
}

// Factory constructs an implementation for the given configuration.
type Factory func(*config.Config) (Implementation, error)

// Registry maps pipeline names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the 3d (XDS then Aimless) and 3dd (XDS then
// dials.scale) pipelines.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("3d", func(*config.Config) (Implementation, error) {
		return Implementation{
			Name:        "3d",
			Description: "XDS indexing and integration, Pointless, Aimless",
			Processor:   XDSProcessor{},
			Symmetry:    PointlessSymmetry{},
			Scaler:      AimlessScaler{},
		}, nil
	})
	r.MustRegister("3dd", func(*config.Config) (Implementation, error) {
		return Implementation{
			Name:        "3dd",
			Description: "XDS indexing and integration, Pointless, dials.scale",
			Processor:   XDSProcessor{ImportDIALS: true},
			Symmetry:    PointlessSymmetry{},
			Scaler:      DialsScaler{},
		}, nil
	})
	return r
}

// Register installs a factory. Names are case-insensitive.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if factory == nil {
		return fmt.Errorf("pipeline: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("pipeline: %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the implementation registered under name.
func (r *Registry) Resolve(name string, cfg *config.Config) (Implementation, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return Implementation{}, fmt.Errorf("pipeline: unknown pipeline %s", name)
	}
	impl, err := factory(cfg)
	if err != nil {
		return Implementation{}, err
	}
	if err := impl.Validate(); err != nil {
		return Implementation{}, err
	}
	return impl, nil
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
