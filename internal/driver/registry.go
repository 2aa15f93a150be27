package driver

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TransportConfig carries the settings a transport constructor may need.
type TransportConfig struct {
	QSubCommand string
	QSubPoll    time.Duration
	Shell       string
}

// TransportFactory builds a transport.
type TransportFactory func(TransportConfig) (Transport, error)

// Registry maps transport tags to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]TransportFactory{}}
}

// DefaultRegistry knows the simple, script and qsub transports.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("simple", func(TransportConfig) (Transport, error) { return LocalTransport{}, nil })
	r.MustRegister("script", func(cfg TransportConfig) (Transport, error) {
		return ScriptTransport{Shell: cfg.Shell}, nil
	})
	r.MustRegister("qsub", func(cfg TransportConfig) (Transport, error) {
		return QSubTransport{Command: cfg.QSubCommand, Poll: cfg.QSubPoll}, nil
	})
	return r
}

// Register installs a factory. Returns an error if the tag already exists.
func (r *Registry) Register(tag string, factory TransportFactory) error {
	if tag == "" {
		return fmt.Errorf("driver: transport tag is required")
	}
	if factory == nil {
		return fmt.Errorf("driver: factory is required for %s", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("driver: transport %s already registered", tag)
	}
	r.factories[tag] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(tag string, factory TransportFactory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the transport registered under tag.
func (r *Registry) Resolve(tag string, cfg TransportConfig) (Transport, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver: unknown transport %s", tag)
	}
	return factory(cfg)
}

// Tags returns the registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
