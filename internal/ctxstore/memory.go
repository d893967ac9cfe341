package ctxstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

type namespace struct {
	entries map[string][]byte
	touched time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.RWMutex
	spaces     map[string]*namespace
	maxPayload int
	now        func() time.Time
}

func NewMemory(maxPayload int) *Memory {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Memory{
		spaces:     make(map[string]*namespace),
		maxPayload: maxPayload,
		now:        time.Now,
	}
}

func (m *Memory) Write(_ context.Context, traceID, key string, value []byte) error {
	if err := checkKey(traceID, key); err != nil {
		return err
	}
	if err := checkSize(key, value, m.maxPayload); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.spaces[traceID]
	if !ok {
		ns = &namespace{entries: make(map[string][]byte)}
		m.spaces[traceID] = ns
	}
	ns.entries[key] = slices.Clone(value)
	ns.touched = m.now()
	return nil
}

func (m *Memory) Read(_ context.Context, traceID, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.spaces[traceID]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns.entries[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (m *Memory) ListKeys(_ context.Context, traceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.spaces[traceID]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns.entries))
	for k := range ns.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *Memory) Clear(_ context.Context, traceID string) error {
	m.mu.Lock()
	delete(m.spaces, traceID)
	m.mu.Unlock()
	return nil
}

// Sweep drops namespaces not written since before cutoff and returns how many
// were removed. It collects namespaces whose owner never cleared them.
func (m *Memory) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, ns := range m.spaces {
		if ns.touched.Before(cutoff) {
			delete(m.spaces, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live namespaces.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces)
}
