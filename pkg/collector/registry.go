package collector

import (
	"fmt"
	"sync"
	"time"
)

// ConnectorFactory builds a fresh Connector instance. Kept as a factory
// rather than a singleton instance so the same source type can be
// registered multiple times under different configuration, and so tests
// can construct isolated instances per SourceRegistry.
type ConnectorFactory func() (Connector, error)

// sourceEntry is a registered source: its factory plus the defaults the
// registry advertises before any InfoClassManager overrides them.
type sourceEntry struct {
	name           string
	factory        ConnectorFactory
	samplingPeriod time.Duration
	pushPeriod     time.Duration
}

// SourceRegistry is a name -> {factory, default periods} catalog.
// Registration order is preserved so collector startup is deterministic,
// unlike tapio's alphabetically-sorted ListCollectors.
type SourceRegistry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]sourceEntry
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{
		entries: make(map[string]sourceEntry),
	}
}

// Register adds a new source under name. Fails with ErrAlreadyExists if
// name is already registered.
func (r *SourceRegistry) Register(name string, factory ConnectorFactory, samplingPeriod, pushPeriod time.Duration) error {
	if name == "" {
		return fmt.Errorf("%w: source name cannot be empty", ErrInvalidArgument)
	}
	if factory == nil {
		return fmt.Errorf("%w: factory cannot be nil", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: source %q already registered", ErrAlreadyExists, name)
	}

	r.entries[name] = sourceEntry{
		name:           name,
		factory:        factory,
		samplingPeriod: samplingPeriod,
		pushPeriod:     pushPeriod,
	}
	r.order = append(r.order, name)
	return nil
}

// Create instantiates a new Connector for name via its factory.
func (r *SourceRegistry) Create(name string) (Connector, error) {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: source %q", ErrNotFound, name)
	}
	return entry.factory()
}

// List returns registered source names in insertion order.
func (r *SourceRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsRegistered reports whether name has a registered factory.
func (r *SourceRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[name]
	return exists
}

// DefaultPeriods returns the registered default sampling/push periods for
// name.
func (r *SourceRegistry) DefaultPeriods(name string) (sampling, push time.Duration, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return 0, 0, fmt.Errorf("%w: source %q", ErrNotFound, name)
	}
	return entry.samplingPeriod, entry.pushPeriod, nil
}
