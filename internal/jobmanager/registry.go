package jobmanager

import (
	"fmt"
	"log/slog"
	"sync"
)

// Factory rebuilds a job from its persisted parameters and serialized data.
type Factory func(params Parameters, data []byte) (Job, error)

// Registry maps factory keys to factories. Every persistent job type registers exactly one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a key twice is an error.
func (r *Registry) Register(key string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, key)
	}
	r.factories[key] = f
	slog.Debug("Registry.Register", "factory", key)
	return nil
}

// MustRegister is Register that panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(key string, f Factory) {
	if err := r.Register(key, f); err != nil {
		panic(err)
	}
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Create rebuilds a job through the factory registered for key.
func (r *Registry) Create(key string, params Parameters, data []byte) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, key)
	}
	job, err := f(params, data)
	if err != nil {
		return nil, fmt.Errorf("factory %s: %w", key, err)
	}
	bindParameters(job, params)
	return job, nil
}
