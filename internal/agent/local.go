package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Handler runs an agent in process. progress may be called any number of
// times before returning. The ctx passed in carries the request's trace, so
// handlers can use the context tools.
type Handler func(ctx context.Context, req Request, progress func(string)) (string, error)

// Local dispatches invocations to in-process handlers.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

func (l *Local) Register(agentID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[agentID] = h
}

func (l *Local) Has(agentID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[agentID]
	return ok
}

func (l *Local) Invoke(ctx context.Context, agentID string, req Request) (<-chan Event, error) {
	l.mu.RLock()
	h, ok := l.handlers[agentID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for agent %s", agentID)
	}

	out := make(chan Event, 16)
	ctx = tracing.WithTrace(ctx, req.Trace())

	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			ev.AgentID = agentID
			ev.TraceID = req.TraceID
			ev.TaskID = req.TaskID
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		result, err := h(ctx, req, func(msg string) {
			emit(Event{Type: EventMessage, Payload: msg})
		})
		if err != nil {
			emit(Event{Type: EventError, Payload: err.Error()})
			return
		}
		emit(Event{Type: EventDone, Payload: result})
	}()

	return out, nil
}

// EchoHandler answers with the request message. It backs agents configured
// with the "echo" transport.
func EchoHandler(_ context.Context, req Request, _ func(string)) (string, error) {
	return req.Message, nil
}
