package registry

import (
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	agents := map[string]config.AgentDefinition{
		"planner": {
			Description: "Breaks work into steps",
			Transport:   "nats",
		},
		"coder": {
			Description: "Code specialist",
			Transport:   "nats",
		},
	}

	return New(s, agents), s
}

func TestSync(t *testing.T) {
	reg, s := newTestRegistry(t)

	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}

	a, err := reg.Get("planner")
	if err != nil {
		t.Fatalf("get planner: %v", err)
	}
	if a.Description != "Breaks work into steps" {
		t.Errorf("unexpected description %q", a.Description)
	}
}

func TestSyncDeletesStale(t *testing.T) {
	reg, s := newTestRegistry(t)

	_ = s.SaveAgent(&store.Agent{ID: "stale", Name: "stale"})

	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	stale, err := s.GetAgent("stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale != nil {
		t.Error("expected stale agent to be deleted")
	}
}

func TestHasAndIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if !reg.Has("coder") {
		t.Error("expected coder to be registered")
	}
	if reg.Has("ghost") {
		t.Error("expected ghost to be unknown")
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "coder" || ids[1] != "planner" {
		t.Errorf("expected sorted [coder planner], got %v", ids)
	}
}

func TestUpdate(t *testing.T) {
	reg, s := newTestRegistry(t)

	reg.Update(map[string]config.AgentDefinition{
		"reviewer": {Description: "Reviews"},
	})
	if reg.Has("planner") {
		t.Error("planner should be gone after update")
	}
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 1 || agents[0].ID != "reviewer" {
		t.Errorf("expected only reviewer persisted, got %+v", agents)
	}
}

func TestAgentDescriptions(t *testing.T) {
	reg, _ := newTestRegistry(t)

	descs := reg.AgentDescriptions()
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptions, got %d", len(descs))
	}
	if descs["coder"] != "Code specialist" {
		t.Errorf("unexpected description for coder: %q", descs["coder"])
	}
}
