package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is an in-memory provider registry keyed by resource type.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering the same resource type twice is an
// error.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return NewPermanentError("provider is nil", nil).WithCode(ErrCodeValidation)
	}
	name := provider.Metadata().Name
	if name == "" {
		return NewPermanentError("provider has empty name", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return NewConflictError(
			fmt.Sprintf("provider %s already registered", name), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.providers[name] = provider
	return nil
}

// Get returns the provider for a resource type.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("provider %s not registered", name), nil).
			WithCode(ErrCodeNotFound)
	}
	return provider, nil
}

// List returns metadata for all registered providers, sorted by name.
func (r *Registry) List() []ProviderMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderMetadata, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
