package agent

import (
	"sync"
	"time"

	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Invocation is a live call to a remote agent. IPC requests from that agent
// are resolved against it, so the trace and thread an agent acts on are
// always the ones it was invoked with.
type Invocation struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	TraceID    string    `json:"trace_id"`
	TaskID     string    `json:"task_id"`
	Depth      int       `json:"depth"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Tenant     string    `json:"tenant,omitempty"`
	User       string    `json:"user,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

func (i *Invocation) Trace() tracing.Trace {
	return tracing.Trace{TraceID: i.TraceID, TaskID: i.TaskID, Depth: i.Depth}
}

type Invocations struct {
	live map[string]*Invocation
	mu   sync.RWMutex
}

func NewInvocations() *Invocations {
	return &Invocations{live: make(map[string]*Invocation)}
}

func (t *Invocations) Register(inv *Invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	inv.StartedAt = now
	inv.LastActive = now
	t.live[inv.ID] = inv
}

// Get returns a copy of the invocation.
func (t *Invocations) Get(id string) (Invocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.live[id]
	if !ok {
		return Invocation{}, false
	}
	return *inv, true
}

func (t *Invocations) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, id)
}

func (t *Invocations) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inv, ok := t.live[id]; ok {
		inv.LastActive = time.Now()
	}
}

func (t *Invocations) List() []Invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Invocation, 0, len(t.live))
	for _, inv := range t.live {
		out = append(out, *inv)
	}
	return out
}

// ListIdle returns ids of invocations with no activity for longer than
// timeout.
func (t *Invocations) ListIdle(timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []string
	now := time.Now()
	for id, inv := range t.live {
		if now.Sub(inv.LastActive) > timeout {
			idle = append(idle, id)
		}
	}
	return idle
}
