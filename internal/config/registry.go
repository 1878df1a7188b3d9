package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rkvantis/inferd/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested adapter name.
var ErrProviderNotRegistered = errors.New("config: provider adapter not registered")

// Registry maps adapter names (as named in [ProviderEntry.Name]) to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// Register registers an adapter factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = factory
}

// Create instantiates a provider using the factory registered under
// entry.Name, but does not call Initialize — the caller (typically the
// Runner Factory) is responsible for that.
func (r *Registry) Create(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.adapters[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAndInitialize instantiates a provider and calls Initialize with the
// entry's credentials in one step.
func (r *Registry) CreateAndInitialize(entry ProviderEntry) (llm.Provider, error) {
	p, err := r.Create(entry)
	if err != nil {
		return nil, err
	}
	cfg := llm.Config{
		APIKey:  entry.APIKey,
		BaseURL: entry.BaseURL,
		Model:   entry.Model,
		Options: entry.Options,
	}
	if err := p.Initialize(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: initialize provider %q: %w", entry.Name, err)
	}
	return p, nil
}
