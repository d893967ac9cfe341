package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

type fixture struct {
	local *agent.Local
	store *ctxstore.Memory
	exec  *Executor
	prop  *tracing.Propagator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		local: agent.NewLocal(),
		store: ctxstore.NewMemory(0),
		prop:  tracing.NewPropagator(2),
	}
	opts.Caller = &agent.Caller{Invoker: f.local, Timeout: time.Second}
	opts.Store = f.store
	opts.Propagator = f.prop
	opts.Agents = f.local
	f.exec = NewExecutor(opts)
	return f
}

func fail(msg string) agent.Handler {
	return func(context.Context, agent.Request, func(string)) (string, error) {
		return "", errors.New(msg)
	}
}

func reply(s string) agent.Handler {
	return func(context.Context, agent.Request, func(string)) (string, error) {
		return s, nil
	}
}

func TestParseGraphDefaults(t *testing.T) {
	g, err := ParseGraph([]byte(`{"steps":[{"agent_id":"a"},{"agent_id":"b","required":false}],"mode":"PARALLEL"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.Mode != ModeParallel {
		t.Errorf("expected parallel mode, got %q", g.Mode)
	}
	if g.OnPartialSuccess != PolicyFail {
		t.Errorf("expected fail policy by default, got %q", g.OnPartialSuccess)
	}
	if !g.Steps[0].Required {
		t.Error("expected required to default to true")
	}
	if g.Steps[1].Required {
		t.Error("expected explicit required=false to stick")
	}

	if _, err := ParseGraph([]byte(`{"steps":`)); err == nil {
		t.Fatal("expected error for malformed graph")
	} else {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected *ValidationError, got %T", err)
		}
	}
}

func TestValidate(t *testing.T) {
	agents := agent.NewLocal()
	agents.Register("a", reply(""))
	agents.Register("b", reply(""))

	tests := []struct {
		name    string
		graph   Graph
		wantErr string
	}{
		{
			name:  "sequential chain",
			graph: Graph{Mode: ModeSequential, OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "a", OutputTo: "x"}, {AgentID: "b", InputFrom: []string{"x"}}}},
		},
		{
			name:    "no steps",
			graph:   Graph{Mode: ModeSequential, OnPartialSuccess: PolicyFail},
			wantErr: "no steps",
		},
		{
			name:    "unknown agent",
			graph:   Graph{Mode: ModeSequential, OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "ghost"}}},
			wantErr: `unknown agent "ghost"`,
		},
		{
			name:    "unknown mode",
			graph:   Graph{Mode: "zigzag", OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "a"}}},
			wantErr: "unknown mode",
		},
		{
			name:    "parallel dependency",
			graph:   Graph{Mode: ModeParallel, OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "a", OutputTo: "x"}, {AgentID: "b", InputFrom: []string{"x"}}}},
			wantErr: "cannot depend on each other",
		},
		{
			name:    "parallel duplicate output",
			graph:   Graph{Mode: ModeParallel, OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "a", OutputTo: "x"}, {AgentID: "b", OutputTo: "x"}}},
			wantErr: "both write",
		},
		{
			name:  "parallel reading prior context",
			graph: Graph{Mode: ModeParallel, OnPartialSuccess: PolicyFail, Steps: []Step{{AgentID: "a", InputFrom: []string{"seed"}}, {AgentID: "b", InputFrom: []string{"seed"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate(agents)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSequentialPassesOutputs(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("research", reply(`{"facts":["a","b"]}`))
	f.local.Register("writer", func(_ context.Context, req agent.Request, _ func(string)) (string, error) {
		return "essay from " + string(req.Inputs["facts"]), nil
	})

	root := f.prop.NewRoot()
	if err := f.store.Write(context.Background(), root.TraceID, "unused", []byte(`1`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	g := &Graph{Steps: []Step{
		{AgentID: "research", TaskDescription: "find facts", OutputTo: "facts", Required: true},
		{AgentID: "writer", TaskDescription: "write", InputFrom: []string{"facts", "missing"}, OutputTo: "essay", Required: true},
	}}

	res, err := f.exec.Execute(context.Background(), g, root)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", res.Status, res.Failure)
	}
	if got := string(res.Outputs["facts"]); got != `{"facts":["a","b"]}` {
		t.Errorf("unexpected facts output %s", got)
	}
	var essay string
	if err := json.Unmarshal(res.Outputs["essay"], &essay); err != nil {
		t.Fatalf("essay output is not a JSON string: %v", err)
	}
	if essay != `essay from {"facts":["a","b"]}` {
		t.Errorf("unexpected essay %q", essay)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 0 {
		t.Errorf("unexpected lists: %+v / %+v", res.Succeeded, res.Failed)
	}
	if res.RunID != root.TaskID {
		t.Errorf("expected run id %s, got %s", root.TaskID, res.RunID)
	}

	// The run was handed the root trace, so it cleared the namespace.
	keys, _ := f.store.ListKeys(context.Background(), root.TraceID)
	if len(keys) != 0 {
		t.Errorf("expected namespace cleared, got %v", keys)
	}
}

func TestStepsRunOneLevelDeeper(t *testing.T) {
	f := newFixture(t, Options{})
	var mu sync.Mutex
	var seen []tracing.Trace
	f.local.Register("a", func(_ context.Context, req agent.Request, _ func(string)) (string, error) {
		mu.Lock()
		seen = append(seen, req.Trace())
		mu.Unlock()
		return "ok", nil
	})

	root := f.prop.NewRoot()
	g := &Graph{Mode: ModeParallel, Steps: []Step{{AgentID: "a", Required: true}, {AgentID: "a", Required: true}}}
	if _, err := f.exec.Execute(context.Background(), g, root); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(seen))
	}
	for _, tr := range seen {
		if tr.TraceID != root.TraceID || tr.Depth != 1 {
			t.Errorf("expected child of root at depth 1, got %+v", tr)
		}
		if tr.TaskID == root.TaskID {
			t.Error("expected a fresh task id per step")
		}
	}
	if seen[0].TaskID == seen[1].TaskID {
		t.Error("expected distinct task ids for sibling steps")
	}
}

func TestNonRootRunKeepsNamespace(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("value"))

	root := f.prop.NewRoot()
	child, _ := f.prop.Derive(root)

	g := &Graph{Steps: []Step{{AgentID: "a", OutputTo: "k", Required: true}}}
	if _, err := f.exec.Execute(context.Background(), g, child); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok, _ := f.store.Read(context.Background(), root.TraceID, "k"); !ok {
		t.Error("expected output to survive a non-root run")
	}
}

func TestSequentialFailPolicyAborts(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("one"))
	f.local.Register("b", fail("boom"))
	f.local.Register("c", reply("three"))

	g := &Graph{OnPartialSuccess: PolicyFail, Steps: []Step{
		{AgentID: "a", OutputTo: "a", Required: true},
		{AgentID: "b", Required: true},
		{AgentID: "c", Required: true},
	}}

	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if !errors.Is(err, ErrGraphFailed) {
		t.Fatalf("expected ErrGraphFailed, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !strings.Contains(res.Failure, "boom") {
		t.Errorf("expected failure to name the cause, got %q", res.Failure)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "c" {
		t.Errorf("expected c skipped, got %v", res.Skipped)
	}
	if _, ok := res.Outputs["a"]; !ok {
		t.Error("expected outputs collected before the failure")
	}
}

func TestSequentialContinuePolicyRunsAll(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", fail("boom"))
	f.local.Register("b", reply("two"))

	g := &Graph{OnPartialSuccess: PolicyContinue, Steps: []Step{
		{AgentID: "a", Required: true},
		{AgentID: "b", OutputTo: "b", Required: true},
	}}

	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if !errors.Is(err, ErrGraphFailed) {
		t.Fatalf("expected ErrGraphFailed, got %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "b" {
		t.Errorf("expected b to run after the failure, got %v", res.Succeeded)
	}
	if _, ok := res.Outputs["b"]; !ok {
		t.Error("expected b output")
	}
}

func TestBestEffortIsPartial(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", fail("boom"))
	f.local.Register("b", reply("two"))

	g := &Graph{OnPartialSuccess: PolicyBestEffort, Steps: []Step{
		{AgentID: "a", Required: true},
		{AgentID: "b", Required: true},
	}}

	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("expected no error for best effort, got %v", err)
	}
	if res.Status != StatusPartial {
		t.Errorf("expected partial, got %s", res.Status)
	}
}

func TestOptionalFailureIsPartial(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("one"))
	f.local.Register("b", fail("optional broke"))

	g := &Graph{OnPartialSuccess: PolicyFail, Steps: []Step{
		{AgentID: "a", Required: true},
		{AgentID: "b", Required: false},
	}}

	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusPartial {
		t.Errorf("expected partial, got %s", res.Status)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "b" {
		t.Errorf("expected b failed, got %v", res.Failed)
	}
}

func TestParallelPartialFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("one"))
	f.local.Register("b", fail("boom"))
	f.local.Register("c", reply("three"))

	g := &Graph{Mode: ModeParallel, OnPartialSuccess: PolicyBestEffort, Steps: []Step{
		{AgentID: "a", OutputTo: "a", Required: true},
		{AgentID: "b", OutputTo: "b", Required: true},
		{AgentID: "c", OutputTo: "c", Required: true},
	}}

	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Errorf("unexpected lists: %v / %v", res.Succeeded, res.Failed)
	}
	if _, ok := res.Outputs["b"]; ok {
		t.Error("expected no output for the failed step")
	}

	g.OnPartialSuccess = PolicyFail
	if _, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot()); !errors.Is(err, ErrGraphFailed) {
		t.Errorf("expected ErrGraphFailed under fail policy, got %v", err)
	}
}

func TestParallelCancelDropsStragglers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	slowExited := make(chan struct{})
	f.local.Register("fast", reply(`"one"`))
	f.local.Register("slow", func(ctx context.Context, _ agent.Request, _ func(string)) (string, error) {
		defer close(slowExited)
		close(slowStarted)
		<-ctx.Done()
		// Hold the result until the run is over so any write arrives late.
		<-release
		return "late", nil
	})

	g := &Graph{Mode: ModeParallel, OnPartialSuccess: PolicyFail, Steps: []Step{
		{AgentID: "fast", OutputTo: "fast", Required: true},
		{AgentID: "slow", OutputTo: "slow", Required: true},
	}}
	run, err := f.exec.Start(ctx, g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var types []EventType
	timeout := time.After(3 * time.Second)
	fastDone := false
	for !fastDone {
		select {
		case ev := <-run.Events():
			types = append(types, ev.Type)
			fastDone = ev.Type == EventStepSucceeded && ev.AgentID == "fast"
		case <-timeout:
			t.Fatal("timed out waiting for the fast step")
		}
	}
	select {
	case <-slowStarted:
	case <-timeout:
		t.Fatal("timed out waiting for the slow step")
	}
	cancel()

	res, err := run.Wait()
	if err != nil {
		t.Fatalf("expected cancellation without error, got %v", err)
	}
	for ev := range run.Events() {
		types = append(types, ev.Type)
	}

	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	if strings.Join(res.Succeeded, ",") != "fast" {
		t.Errorf("expected fast succeeded, got %v", res.Succeeded)
	}
	if strings.Join(res.Skipped, ",") != "slow" {
		t.Errorf("expected slow skipped, got %v", res.Skipped)
	}
	if len(res.Failed) != 0 {
		t.Errorf("expected no failures, got %v", res.Failed)
	}
	if string(res.Outputs["fast"]) != `"one"` {
		t.Errorf("expected fast output kept, got %s", res.Outputs["fast"])
	}
	if _, ok := res.Outputs["slow"]; ok {
		t.Error("expected no output from the cancelled step")
	}
	if types[len(types)-1] != EventStepSkipped {
		t.Errorf("expected a final skipped event, got %v", types)
	}

	close(release)
	select {
	case <-slowExited:
	case <-time.After(3 * time.Second):
		t.Fatal("slow step never returned")
	}
	// Give the straggler time to attempt its write.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if n := f.store.Len(); n != 0 {
			t.Fatalf("expected namespace to stay cleared, got %d namespaces", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelStopsBeforeNextStep(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secondRan bool
	f.local.Register("a", func(context.Context, agent.Request, func(string)) (string, error) {
		cancel()
		return "one", nil
	})
	f.local.Register("b", func(context.Context, agent.Request, func(string)) (string, error) {
		secondRan = true
		return "two", nil
	})

	g := &Graph{Steps: []Step{
		{AgentID: "a", OutputTo: "a", Required: true},
		{AgentID: "b", Required: true},
	}}
	res, err := f.exec.Execute(ctx, g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("expected cancellation without error, got %v", err)
	}
	if secondRan {
		t.Error("expected the second step not to start")
	}
	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	// a may itself be reported skipped when its result raced the cancel.
	if len(res.Skipped) == 0 || res.Skipped[len(res.Skipped)-1] != "b" {
		t.Errorf("expected b skipped, got %v", res.Skipped)
	}
}

func TestGraphTimeoutFailsRun(t *testing.T) {
	f := newFixture(t, Options{GraphTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.local.Register("fast", reply("done"))
	f.local.Register("slow", func(ctx context.Context, _ agent.Request, _ func(string)) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	})

	g := &Graph{Mode: ModeParallel, OnPartialSuccess: PolicyBestEffort, Steps: []Step{
		{AgentID: "fast", OutputTo: "fast", Required: true},
		{AgentID: "slow", OutputTo: "slow", Required: true},
	}}
	res, err := f.exec.Execute(context.Background(), g, f.prop.NewRoot())
	if !errors.Is(err, ErrGraphFailed) {
		t.Fatalf("expected ErrGraphFailed, got %v", err)
	}
	if !strings.Contains(res.Failure, "timeout") {
		t.Errorf("expected timeout failure, got %q", res.Failure)
	}
	if _, ok := res.Outputs["fast"]; !ok {
		t.Error("expected the fast step's output to be kept")
	}
}

func TestDepthExceededRejectedAtStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("x"))

	deep := tracing.Trace{TraceID: "t", TaskID: "k", Depth: 2}
	g := &Graph{Steps: []Step{{AgentID: "a", Required: true}}}
	if _, err := f.exec.Start(context.Background(), g, deep); !errors.Is(err, tracing.ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestInvalidGraphRejectedAtStart(t *testing.T) {
	f := newFixture(t, Options{})
	var called bool
	f.local.Register("a", func(context.Context, agent.Request, func(string)) (string, error) {
		called = true
		return "", nil
	})

	g := &Graph{Mode: ModeParallel, Steps: []Step{
		{AgentID: "a", OutputTo: "x"},
		{AgentID: "a", InputFrom: []string{"x"}},
	}}
	_, err := f.exec.Start(context.Background(), g, f.prop.NewRoot())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if called {
		t.Error("expected no agent to be invoked")
	}
}

func TestRunEventsStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.local.Register("a", reply("one"))
	f.local.Register("b", fail("boom"))
	f.local.Register("c", reply("three"))

	g := &Graph{Steps: []Step{
		{AgentID: "a", Required: true},
		{AgentID: "b", Required: true},
		{AgentID: "c", Required: true},
	}}
	run, err := f.exec.Start(context.Background(), g, f.prop.NewRoot())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var types []EventType
	for ev := range run.Events() {
		types = append(types, ev.Type)
	}
	want := []EventType{EventStepStarted, EventStepSucceeded, EventStepStarted, EventStepFailed, EventStepSkipped}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	if _, err := run.Wait(); !errors.Is(err, ErrGraphFailed) {
		t.Errorf("expected ErrGraphFailed from Wait, got %v", err)
	}
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*store.PipelineRun
}

func (m *memRuns) SavePipelineRun(r *store.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *memRuns) UpdatePipelineRun(id, status string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = status
	m.runs[id].Result = result
	return nil
}

type memBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *memBus) PublishJSON(topic string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func TestRunIsRecordedAndPublished(t *testing.T) {
	runs := &memRuns{runs: make(map[string]*store.PipelineRun)}
	bus := &memBus{}
	f := newFixture(t, Options{Runs: runs, Events: bus})
	f.local.Register("a", reply("one"))

	root := f.prop.NewRoot()
	g := &Graph{Steps: []Step{{AgentID: "a", Required: true}}}
	if _, err := f.exec.Execute(context.Background(), g, root); err != nil {
		t.Fatalf("execute: %v", err)
	}

	r := runs.runs[root.TaskID]
	if r == nil {
		t.Fatal("expected run record")
	}
	if r.Status != string(StatusSucceeded) || r.Mode != "sequential" {
		t.Errorf("unexpected record %+v", r)
	}
	if len(bus.topics) == 0 || !strings.Contains(bus.topics[0], root.TraceID) {
		t.Errorf("expected events on the trace's topic, got %v", bus.topics)
	}
}
