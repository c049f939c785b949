package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/provider/llm"
	"github.com/MrWong99/agentline/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	agent     map[string]func(ProviderEntry) (agent.Provider, error)
	llm       map[string]func(ProviderEntry) (llm.Provider, error)
	transport map[string]func(ProviderEntry) (transport.Transport, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		agent:     make(map[string]func(ProviderEntry) (agent.Provider, error)),
		llm:       make(map[string]func(ProviderEntry) (llm.Provider, error)),
		transport: make(map[string]func(ProviderEntry) (transport.Transport, error)),
	}
}

// RegisterAgent registers an agent provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAgent(name string, factory func(ProviderEntry) (agent.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTransport registers an audio transport factory under name.
func (r *Registry) RegisterTransport(name string, factory func(ProviderEntry) (transport.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateAgent instantiates an agent provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAgent(entry ProviderEntry) (agent.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agent[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTransport instantiates an audio transport using the factory registered under entry.Name.
func (r *Registry) CreateTransport(entry ProviderEntry) (transport.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
