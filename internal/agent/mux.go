package agent

import (
	"context"
	"fmt"
	"sync"
)

// Mux picks an Invoker per agent id, e.g. local handlers for some agents and
// NATS for the rest.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Invoker
	fallback Invoker
}

func NewMux(fallback Invoker) *Mux {
	return &Mux{routes: make(map[string]Invoker), fallback: fallback}
}

func (m *Mux) Handle(agentID string, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[agentID] = inv
}

// Reset replaces every route. Agents without a route use the fallback.
func (m *Mux) Reset(routes map[string]Invoker) {
	next := make(map[string]Invoker, len(routes))
	for id, inv := range routes {
		next[id] = inv
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = next
}

func (m *Mux) Invoke(ctx context.Context, agentID string, req Request) (<-chan Event, error) {
	m.mu.RLock()
	inv, ok := m.routes[agentID]
	m.mu.RUnlock()
	if !ok {
		inv = m.fallback
	}
	if inv == nil {
		return nil, fmt.Errorf("no transport for agent %s", agentID)
	}
	return inv.Invoke(ctx, agentID, req)
}
