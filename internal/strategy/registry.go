package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Factory builds a strategy from configuration.
type Factory func(cfg Config) (Strategy, error)

// Registry maps strategy names to factories. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns a Registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("base", func(Config) (Strategy, error) { return Base{}, nil })
	r.Register("early_entry", func(cfg Config) (Strategy, error) { return NewEarlyEntry(cfg.EarlyEntry) })
	return r
}

// Register adds a factory under name, replacing any existing one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the strategy selected by cfg.Name.
func (r *Registry) New(cfg Config) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", cfg.Name, domain.ErrUnknownStrategy)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", cfg.Name, err)
	}
	return s, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
