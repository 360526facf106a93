package provider

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Registry maps model IDs to the provider that serves them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider // by provider name
	byModel   map[string]Provider // by model ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		byModel:   make(map[string]Provider),
	}
}

// Register adds a provider and claims its models. Duplicate provider names
// or model claims are configuration errors.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return eris.Errorf("provider: duplicate provider name %q", name)
	}
	for _, modelID := range p.Models() {
		if prev, exists := r.byModel[modelID]; exists {
			return eris.Errorf("provider: model %q claimed by both %q and %q", modelID, prev.Name(), name)
		}
	}

	r.providers[name] = p
	for _, modelID := range p.Models() {
		r.byModel[modelID] = p
	}
	return nil
}

// ForModel returns the provider serving the given model.
func (r *Registry) ForModel(modelID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byModel[modelID]
	return p, ok
}

// Providers returns all registered providers ordered by name.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Models returns all servable model IDs, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byModel))
	for id := range r.byModel {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
