// Package registry holds the set of agents the gateway may invoke.
package registry

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/store"
)

type Registry struct {
	store  *store.Store
	mu     sync.RWMutex
	agents map[string]config.AgentDefinition
}

func New(s *store.Store, agents map[string]config.AgentDefinition) *Registry {
	return &Registry{
		store:  s,
		agents: cloneDefs(agents),
	}
}

func cloneDefs(in map[string]config.AgentDefinition) map[string]config.AgentDefinition {
	out := make(map[string]config.AgentDefinition, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Sync mirrors the configured agents into the store, removing agents that
// are no longer configured.
func (r *Registry) Sync() error {
	r.mu.RLock()
	defs := cloneDefs(r.agents)
	r.mu.RUnlock()

	ids := make([]string, 0, len(defs))
	for name, def := range defs {
		ids = append(ids, name)
		a := &store.Agent{
			ID:          name,
			Name:        name,
			Description: def.Description,
			Transport:   def.Transport,
		}
		if err := r.store.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", name, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

// Update swaps the agent definitions, e.g. after a config reload. Call Sync
// afterwards to persist.
func (r *Registry) Update(agents map[string]config.AgentDefinition) {
	r.mu.Lock()
	r.agents = cloneDefs(agents)
	r.mu.Unlock()
}

func (r *Registry) Get(agentID string) (*store.Agent, error) {
	return r.store.GetAgent(agentID)
}

func (r *Registry) List() ([]store.Agent, error) {
	return r.store.ListAgents()
}

// Has reports whether agentID is a configured agent.
func (r *Registry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

func (r *Registry) GetDefinition(agentID string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	return def, ok
}

// IDs returns the configured agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) AgentDescriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[string]string, len(r.agents))
	for name, def := range r.agents {
		descs[name] = def.Description
	}
	return descs
}
