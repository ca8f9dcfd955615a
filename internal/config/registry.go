package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderFactory builds a transcription provider from the full config. The
// factory picks the block it needs (providers.openai, providers.whispercpp).
type ProviderFactory func(cfg *Config) (asr.Provider, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register adds a provider factory under name, replacing any previous
// registration for that name.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the named provider from cfg. Returns
// [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) Create(name string, cfg *Config) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, name)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
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
