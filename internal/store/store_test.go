package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synodos/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{ID: "planner", Name: "planner", Description: "Breaks work down", Transport: "nats"}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("planner")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Description != "Breaks work down" {
		t.Errorf("expected description 'Breaks work down', got '%s'", got.Description)
	}
	if got.Transport != "nats" {
		t.Errorf("expected transport nats, got %s", got.Transport)
	}

	a.Description = "Plans"
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, _ = s.GetAgent("planner")
	if got.Description != "Plans" {
		t.Errorf("expected 'Plans', got '%s'", got.Description)
	}

	got, err = s.GetAgent("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent agent")
	}

	_ = s.SaveAgent(&Agent{ID: "coder", Name: "coder"})
	_ = s.SaveAgent(&Agent{ID: "researcher", Name: "researcher"})
	if err := s.DeleteAgentsNotIn([]string{"planner", "coder"}); err != nil {
		t.Fatalf("delete agents not in: %v", err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 2 {
		t.Errorf("expected 2 agents after cleanup, got %d", len(agents))
	}
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)

	for i, content := range []string{"first", "second", "third"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msg := &Message{ThreadID: "th1", Role: role, Content: content, TraceID: "t1"}
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message: %v", err)
		}
		if msg.ID == 0 {
			t.Error("expected message ID to be set")
		}
	}
	_ = s.SaveMessage(&Message{ThreadID: "th2", Role: "user", Content: "elsewhere"})

	msgs, err := s.GetMessages("th1", 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "second" || msgs[1].Content != "third" {
		t.Errorf("expected chronological tail [second third], got [%s %s]", msgs[0].Content, msgs[1].Content)
	}
	if msgs[1].TraceID != "t1" {
		t.Errorf("expected trace id t1, got %q", msgs[1].TraceID)
	}

	stats, err := s.GetThreadStats()
	if err != nil {
		t.Fatalf("thread stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(stats))
	}
}

func TestMessageMetadata(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{ThreadID: "th1", Role: "assistant", Content: "hi", Metadata: json.RawMessage(`{"agent":"planner"}`)}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	msgs, _ := s.GetMessages("th1", 0)
	if len(msgs) != 1 || string(msgs[0].Metadata) != `{"agent":"planner"}` {
		t.Errorf("unexpected metadata: %+v", msgs)
	}
}

func TestPipelineRuns(t *testing.T) {
	s := newTestStore(t)

	run := &PipelineRun{
		ID:     "trace-1",
		Mode:   "sequential",
		Policy: "fail",
		Status: "running",
		Steps:  json.RawMessage(`[{"agent_id":"a"}]`),
	}
	if err := s.SavePipelineRun(run); err != nil {
		t.Fatalf("save pipeline run: %v", err)
	}

	got, err := s.GetPipelineRun("trace-1")
	if err != nil || got == nil {
		t.Fatalf("get pipeline run: %v", err)
	}
	if got.Status != "running" || got.CompletedAt != nil {
		t.Errorf("expected running without completion, got %s %v", got.Status, got.CompletedAt)
	}

	if err := s.UpdatePipelineRun("trace-1", "succeeded", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetPipelineRun("trace-1")
	if got.Status != "succeeded" {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", got.Result)
	}

	runs, err := s.ListPipelineRuns(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list: %d runs, err %v", len(runs), err)
	}

	n, err := s.DeletePipelineRunsBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 run deleted, got %d", n)
	}

	missing, err := s.GetPipelineRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil,nil for missing run, got %v, %v", missing, err)
	}
}

func handoffRecord(id, thread, state string) *HandoffRecord {
	now := time.Now()
	return &HandoffRecord{
		ID:        id,
		ThreadID:  thread,
		State:     state,
		Payload:   []byte(`{"state":"` + state + `"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertHandoffConflict(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertHandoff(handoffRecord("h1", "th1", "pending")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := s.InsertHandoff(handoffRecord("h2", "th1", "pending"))
	if !errors.Is(err, ErrHandoffExists) {
		t.Fatalf("expected ErrHandoffExists, got %v", err)
	}
	// Other threads are unaffected.
	if err := s.InsertHandoff(handoffRecord("h3", "th2", "pending")); err != nil {
		t.Fatalf("insert other thread: %v", err)
	}
}

func TestInsertHandoffConcurrent(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.InsertHandoff(handoffRecord(string(rune('a'+i)), "th1", "pending"))
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrHandoffExists):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", ok)
	}
}

func TestHandoffCompareAndSwap(t *testing.T) {
	s := newTestStore(t)

	rec := handoffRecord("h1", "th1", "pending")
	if err := s.InsertHandoff(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	active := handoffRecord("h1", "th1", "active")
	swapped, err := s.CompareAndSwapHandoff(active, "pending")
	if err != nil || !swapped {
		t.Fatalf("expected swap pending->active, swapped=%v err=%v", swapped, err)
	}
	// Stale from-state loses.
	swapped, err = s.CompareAndSwapHandoff(handoffRecord("h1", "th1", "error"), "pending")
	if err != nil || swapped {
		t.Fatalf("expected stale swap to fail, swapped=%v err=%v", swapped, err)
	}

	got, err := s.GetBlockingHandoff("th1")
	if err != nil || got == nil {
		t.Fatalf("get blocking: %v", err)
	}
	if got.State != "active" {
		t.Errorf("expected active, got %s", got.State)
	}

	done := handoffRecord("h1", "th1", "completed")
	if ok, _ := s.CompareAndSwapHandoff(done, "active"); !ok {
		t.Fatal("expected swap active->completed")
	}
	got, _ = s.GetBlockingHandoff("th1")
	if got != nil {
		t.Errorf("expected no blocking handoff after completion, got %s", got.State)
	}

	// A completed session no longer blocks a new one.
	if err := s.InsertHandoff(handoffRecord("h2", "th1", "pending")); err != nil {
		t.Fatalf("insert after completion: %v", err)
	}

	history, err := s.ListHandoffs("th1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 sessions in history, got %d", len(history))
	}
}

func TestDeleteHandoffsBefore(t *testing.T) {
	s := newTestStore(t)

	old := handoffRecord("h1", "th1", "completed")
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.InsertHandoff(old)
	s.InsertHandoff(handoffRecord("h2", "th2", "active"))
	s.InsertHandoff(handoffRecord("h3", "th3", "cancelled"))

	n, err := s.DeleteHandoffsBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record pruned, got %d", n)
	}
	if r, _ := s.GetHandoff("h2"); r == nil {
		t.Error("active session must never be pruned")
	}
	if r, _ := s.GetHandoff("h3"); r == nil {
		t.Error("recent terminal session should be retained")
	}
}
