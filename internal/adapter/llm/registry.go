package llm

import (
	"fmt"
	"slices"
	"sync"

	"llm-playground/internal/domain"
)

// Registry holds provider adapters keyed by family.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.ProviderFamily]domain.ProviderAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[domain.ProviderFamily]domain.ProviderAdapter),
	}
}

// NewDefaultRegistry returns a registry with every built-in family.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []domain.ProviderAdapter{
		NewOpenAIAdapter(),
		NewOpenAICompatibleAdapter(),
		NewAnthropicAdapter(),
		NewGeminiAdapter(),
	} {
		// Families are distinct; Register cannot fail here.
		_ = r.Register(a)
	}
	return r
}

// Register adds an adapter. Returns error if its family is already registered.
func (r *Registry) Register(adapter domain.ProviderAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	family := adapter.Family()
	if _, exists := r.adapters[family]; exists {
		return fmt.Errorf("adapter for family %q already registered", family)
	}
	r.adapters[family] = adapter
	return nil
}

// Get retrieves the adapter for family.
func (r *Registry) Get(family domain.ProviderFamily) (domain.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[family]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, string(family))
	}
	return a, nil
}

// Families returns the registered families in sorted order.
func (r *Registry) Families() []domain.ProviderFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()

	families := make([]domain.ProviderFamily, 0, len(r.adapters))
	for f := range r.adapters {
		families = append(families, f)
	}
	slices.Sort(families)
	return families
}
