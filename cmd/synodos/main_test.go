package main

import (
	"context"
	"sync"
	"testing"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/config"
)

// busInvoker stands in for the NATS transport and records who it served.
type busInvoker struct {
	mu     sync.Mutex
	served []string
}

func (b *busInvoker) Invoke(_ context.Context, agentID string, _ agent.Request) (<-chan agent.Event, error) {
	b.mu.Lock()
	b.served = append(b.served, agentID)
	b.mu.Unlock()
	ch := make(chan agent.Event, 1)
	ch <- agent.Event{Type: agent.EventDone, AgentID: agentID, Payload: "bus"}
	close(ch)
	return ch, nil
}

func TestConfigureTransportsReload(t *testing.T) {
	bus := &busInvoker{}
	local := agent.NewLocal()
	mux := agent.NewMux(bus)
	caller := &agent.Caller{Invoker: mux}
	ctx := context.Background()

	call := func(id string) string {
		t.Helper()
		out, err := caller.Call(ctx, id, agent.Request{TraceID: "t1", TaskID: "k1", Message: "ping"})
		if err != nil {
			t.Fatalf("call %s: %v", id, err)
		}
		return out
	}

	configureTransports(mux, local, map[string]config.AgentDefinition{
		"general": {Transport: "echo"},
		"billing": {Transport: "echo"},
		"coder":   {Transport: "nats"},
	})
	if out := call("general"); out == "bus" {
		t.Error("expected general served in-process")
	}
	if out := call("coder"); out != "bus" {
		t.Errorf("expected coder over the bus, got %q", out)
	}

	// general moves to the bus and billing is removed.
	configureTransports(mux, local, map[string]config.AgentDefinition{
		"general": {Transport: "nats"},
		"coder":   {Transport: "nats"},
	})
	if out := call("general"); out != "bus" {
		t.Errorf("expected general over the bus after reload, got %q", out)
	}
	if out := call("billing"); out != "bus" {
		t.Errorf("expected removed agent to lose its local route, got %q", out)
	}
}
