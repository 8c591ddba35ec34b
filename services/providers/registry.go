package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownProvider is returned when no builder is registered under a name
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderNotConfigured is returned by a builder whose credentials or
	// endpoint are missing
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate builder
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Builder constructs an adapter. It is only invoked for providers that are
// actually selected as primary or fallback.
type Builder func() (Provider, error)

// Registry maps provider names to builders and caches built adapters so
// that each identity has exactly one live instance.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	built    map[string]Provider
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
		built:    make(map[string]Provider),
	}
}

// Register adds a builder under name
func (r *Registry) Register(name string, builder Builder) error {
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if builder == nil {
		return errors.New("provider builder cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}
	r.builders[name] = builder
	return nil
}

// Get builds (once) and returns the adapter registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	if p, ok := r.built[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.built[name]; ok {
		return p, nil
	}
	builder, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	p, err := builder()
	if err != nil {
		return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
	}
	r.built[name] = p
	return p, nil
}

// Names returns all registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
