package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
	"golang.org/x/sync/errgroup"
)

// DefaultGraphTimeout bounds a whole run when none is configured.
const DefaultGraphTimeout = 5 * time.Minute

// ErrGraphFailed is returned alongside the result when a run ends failed.
var ErrGraphFailed = errors.New("task graph failed")

// RunRecorder persists run audit records.
type RunRecorder interface {
	SavePipelineRun(r *store.PipelineRun) error
	UpdatePipelineRun(id, status string, result json.RawMessage) error
}

// Publisher sends lifecycle events to the bus.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Options struct {
	Caller       *agent.Caller
	Store        ctxstore.Store
	Propagator   *tracing.Propagator
	Agents       AgentSet
	GraphTimeout time.Duration
	Runs         RunRecorder
	Events       Publisher
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

type Executor struct {
	caller       *agent.Caller
	store        ctxstore.Store
	propagator   *tracing.Propagator
	agents       AgentSet
	graphTimeout time.Duration
	runs         RunRecorder
	events       Publisher
	metrics      *metrics.Collector
	logger       *slog.Logger
}

func NewExecutor(opts Options) *Executor {
	if opts.GraphTimeout <= 0 {
		opts.GraphTimeout = DefaultGraphTimeout
	}
	if opts.Propagator == nil {
		opts.Propagator = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		caller:       opts.Caller,
		store:        opts.Store,
		propagator:   opts.Propagator,
		agents:       opts.Agents,
		graphTimeout: opts.GraphTimeout,
		runs:         opts.Runs,
		events:       opts.Events,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "pipeline"),
	}
}

// Run is a graph execution in progress.
type Run struct {
	id     string
	events chan StepEvent
	done   chan struct{}
	result *Result
	err    error
}

func (r *Run) ID() string { return r.id }

// Events streams step lifecycle events. The channel is closed when the run
// ends. Reading it is optional; the run never blocks on it.
func (r *Run) Events() <-chan StepEvent { return r.events }

// Wait blocks until the run ends. The error is non-nil only when the result
// status is failed.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Execute runs g to completion under tr. tr is the trace of the unit of work
// that owns the graph; each step runs one level deeper.
func (e *Executor) Execute(ctx context.Context, g *Graph, tr tracing.Trace) (*Result, error) {
	run, err := e.Start(ctx, g, tr)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start validates g and launches it. Validation and depth errors are
// returned here, before any agent is invoked.
func (e *Executor) Start(ctx context.Context, g *Graph, tr tracing.Trace) (*Run, error) {
	g.normalize()
	if err := g.Validate(e.agents); err != nil {
		return nil, err
	}
	if tr.IsZero() {
		return nil, errors.New("task graph needs a trace")
	}
	if !e.propagator.CanDerive(tr) {
		return nil, fmt.Errorf("%w: graph at depth %d cannot start steps", tracing.ErrDepthExceeded, tr.Depth)
	}

	run := &Run{
		id:     tr.TaskID,
		events: make(chan StepEvent, 2*len(g.Steps)),
		done:   make(chan struct{}),
	}
	e.recordStart(ctx, run.id, g, tr)

	go e.execute(ctx, g, tr, run)
	return run, nil
}

func (e *Executor) execute(ctx context.Context, g *Graph, tr tracing.Trace, run *Run) {
	start := time.Now()
	ctx, span := telemetry.StartGraphSpan(ctx, tr, string(g.Mode), string(g.OnPartialSuccess), len(g.Steps))

	graphCtx, cancel := context.WithTimeout(ctx, e.graphTimeout)
	defer cancel()

	x := &execution{
		exec:     e,
		graph:    g,
		trace:    tr,
		run:      run,
		parent:   ctx,
		ctx:      graphCtx,
		outcomes: make([]StepOutcome, len(g.Steps)),
	}
	for i, s := range g.Steps {
		x.outcomes[i] = StepOutcome{Index: i, AgentID: s.AgentID, Status: StepSkipped, Required: s.Required}
	}

	e.logger.Info("task graph started", "run", run.id, "trace_id", tr.TraceID, "mode", g.Mode, "steps", len(g.Steps))

	if g.Mode == ModeParallel {
		x.runParallel()
	} else {
		x.runSequential()
	}

	result := x.assemble()
	run.result = result
	if result.Status == StatusFailed {
		run.err = fmt.Errorf("%w: %s", ErrGraphFailed, result.Failure)
	}

	// The run owns the namespace only when it was handed the root trace.
	if tr.IsRoot() {
		if err := e.store.Clear(context.WithoutCancel(ctx), tr.TraceID); err != nil {
			e.logger.Warn("failed to clear context namespace", "trace_id", tr.TraceID, "error", err)
		}
	}

	e.recordEnd(ctx, result)
	e.metrics.RecordGraph(string(g.Mode), string(result.Status), time.Since(start))
	telemetry.End(span, run.err)
	e.logger.Info("task graph finished", "run", run.id, "trace_id", tr.TraceID, "status", result.Status,
		"succeeded", len(result.Succeeded), "failed", len(result.Failed), "skipped", len(result.Skipped))

	close(run.events)
	close(run.done)
}

// execution is the mutable state of one run.
type execution struct {
	exec   *Executor
	graph  *Graph
	trace  tracing.Trace
	run    *Run
	parent context.Context // caller's context: cancellation
	ctx    context.Context // parent plus graph deadline

	fence    fence
	outcomes []StepOutcome

	cancelled bool
	timedOut  bool
	aborted   bool
	flagged   bool
	failure   string
}

// stopReason records why the run must stop, if it must.
func (x *execution) stopReason() bool {
	if x.parent.Err() != nil {
		x.cancelled = true
		return true
	}
	if x.ctx.Err() != nil {
		x.timedOut = true
		return true
	}
	return false
}

func (x *execution) runSequential() {
	for i, s := range x.graph.Steps {
		if x.stopReason() {
			break
		}
		out := x.runStep(i, s)
		x.outcomes[i] = out
		x.emitOutcome(out)

		if out.Status == StepSkipped {
			// Cancelled mid-step.
			x.stopReason()
			break
		}
		if out.Status != StepFailed || !s.Required {
			continue
		}
		switch x.graph.OnPartialSuccess {
		case PolicyFail:
			x.aborted = true
			x.failure = fmt.Sprintf("required step %d (%s) failed: %s", i, s.AgentID, out.Error)
		case PolicyContinue:
			x.flagged = true
			if x.failure == "" {
				x.failure = fmt.Sprintf("required step %d (%s) failed: %s", i, s.AgentID, out.Error)
			}
		}
		if x.aborted {
			break
		}
	}
	x.skipRemaining()
	x.fence.close()
}

func (x *execution) runParallel() {
	var g errgroup.Group
	for i, s := range x.graph.Steps {
		g.Go(func() error {
			out := x.runStep(i, s)
			if !x.fence.enter() {
				return nil
			}
			defer x.fence.leave()
			x.outcomes[i] = out
			x.emitOutcome(out)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-x.ctx.Done():
		// Stop waiting. Steps still running see the cancelled context and
		// their late results are dropped by the fence.
	}
	x.fence.close()

	// Either the deadline or the caller's cancellation cut some steps short.
	if x.ctx.Err() != nil && !x.allSucceeded() {
		x.stopReason()
	}

	for i, s := range x.graph.Steps {
		out := x.outcomes[i]
		if out.Status == StepFailed && s.Required {
			if x.graph.OnPartialSuccess != PolicyBestEffort {
				x.flagged = true
			}
			if x.failure == "" {
				x.failure = fmt.Sprintf("required step %d (%s) failed: %s", i, s.AgentID, out.Error)
			}
		}
	}
	x.skipRemaining()
}

// runStep invokes one step and writes its output. It never touches shared
// execution state other than through the fence.
func (x *execution) runStep(i int, s Step) StepOutcome {
	e := x.exec
	out := StepOutcome{Index: i, AgentID: s.AgentID, Required: s.Required}

	child, err := e.propagator.Derive(x.trace)
	if err != nil {
		out.Status = StepFailed
		out.Error = err.Error()
		return out
	}

	x.emit(StepEvent{Type: EventStepStarted, Index: i, AgentID: s.AgentID})

	inputs := make(map[string]json.RawMessage, len(s.InputFrom))
	for _, k := range s.InputFrom {
		v, ok, err := e.store.Read(x.ctx, x.trace.TraceID, k)
		if err != nil {
			out.Status = StepFailed
			out.Error = fmt.Sprintf("read input %q: %v", k, err)
			return out
		}
		// Missing keys are empty inputs.
		if ok {
			inputs[k] = asJSON(v)
		}
	}

	req := agent.NewRequest(child, s.TaskDescription)
	req.Inputs = inputs

	start := time.Now()
	result, err := e.caller.Call(x.ctx, s.AgentID, req)
	out.Latency = time.Since(start)
	if err != nil {
		if x.parent.Err() != nil {
			out.Status = StepSkipped
			out.Error = "cancelled"
			return out
		}
		out.Status = StepFailed
		out.Error = err.Error()
		e.logger.Warn("step failed", "run", x.run.id, "step", i, "agent", s.AgentID, "error", err)
		return out
	}

	if s.OutputTo != "" {
		if !x.fence.enter() {
			out.Status = StepSkipped
			out.Error = "run already finished"
			return out
		}
		err := e.store.Write(context.WithoutCancel(x.ctx), x.trace.TraceID, s.OutputTo, asJSON([]byte(result)))
		x.fence.leave()
		if err != nil {
			out.Status = StepFailed
			out.Error = fmt.Sprintf("write output %q: %v", s.OutputTo, err)
			return out
		}
	}

	out.Status = StepSucceeded
	out.Output = result
	return out
}

func (x *execution) skipRemaining() {
	reason := ""
	switch {
	case x.cancelled:
		reason = "cancelled"
	case x.timedOut:
		reason = "graph timed out"
		x.flagged = true
		x.failure = fmt.Sprintf("graph exceeded its %s timeout", x.exec.graphTimeout)
	case x.aborted:
		reason = "aborted after required step failure"
	}
	// Outcomes still in their initial state never reported anything.
	for i := range x.outcomes {
		out := &x.outcomes[i]
		if out.Status != StepSkipped || out.Error != "" {
			continue
		}
		out.Error = reason
		if out.Error == "" {
			out.Error = "not run"
		}
		x.exec.metrics.RecordStep(string(StepSkipped))
		ev := StepEvent{Type: EventStepSkipped, RunID: x.run.id, TraceID: x.trace.TraceID,
			Index: out.Index, AgentID: out.AgentID, Error: out.Error}
		// Each step sends at most two events before this, so the buffer
		// always has room.
		select {
		case x.run.events <- ev:
		default:
		}
		x.exec.publish(x.trace.TraceID, string(ev.Type), ev)
	}
}

func (x *execution) allSucceeded() bool {
	for _, out := range x.outcomes {
		if out.Status != StepSucceeded {
			return false
		}
	}
	return true
}

func (x *execution) emit(ev StepEvent) {
	ev.RunID = x.run.id
	ev.TraceID = x.trace.TraceID
	x.fence.send(x.run.events, ev)
}

func (x *execution) emitOutcome(out StepOutcome) {
	ev := StepEvent{Index: out.Index, AgentID: out.AgentID, Output: out.Output, Error: out.Error}
	switch out.Status {
	case StepSucceeded:
		ev.Type = EventStepSucceeded
	case StepFailed:
		ev.Type = EventStepFailed
	default:
		ev.Type = EventStepSkipped
	}
	ev.RunID = x.run.id
	ev.TraceID = x.trace.TraceID
	x.exec.metrics.RecordStep(string(out.Status))
	// Callers are either the sequential loop or inside the fence, so the
	// channel is still open.
	x.run.events <- ev
	x.exec.publish(x.trace.TraceID, string(ev.Type), ev)
}

func (x *execution) assemble() *Result {
	res := &Result{
		RunID:     x.run.id,
		TraceID:   x.trace.TraceID,
		Succeeded: []string{},
		Failed:    []string{},
		Outputs:   make(map[string]json.RawMessage),
		Steps:     x.outcomes,
		Failure:   x.failure,
	}

	seen := make(map[StepStatus]map[string]bool)
	add := func(list *[]string, st StepStatus, agentID string) {
		if seen[st] == nil {
			seen[st] = make(map[string]bool)
		}
		if !seen[st][agentID] {
			seen[st][agentID] = true
			*list = append(*list, agentID)
		}
	}

	anyFailed, anySkipped := false, false
	for i, out := range x.outcomes {
		switch out.Status {
		case StepSucceeded:
			add(&res.Succeeded, out.Status, out.AgentID)
			if key := x.graph.Steps[i].OutputTo; key != "" {
				res.Outputs[key] = asJSON([]byte(out.Output))
			}
		case StepFailed:
			anyFailed = true
			add(&res.Failed, out.Status, out.AgentID)
		case StepSkipped:
			anySkipped = true
			add(&res.Skipped, out.Status, out.AgentID)
		}
	}

	switch {
	case x.cancelled:
		res.Status = StatusCancelled
	case x.aborted || x.flagged:
		res.Status = StatusFailed
	case anyFailed || anySkipped:
		res.Status = StatusPartial
	default:
		res.Status = StatusSucceeded
	}
	return res
}

// asJSON keeps valid JSON as is and encodes anything else as a JSON string.
func asJSON(v []byte) json.RawMessage {
	if json.Valid(v) {
		return json.RawMessage(v)
	}
	b, _ := json.Marshal(string(v))
	return b
}

func (e *Executor) recordStart(ctx context.Context, runID string, g *Graph, tr tracing.Trace) {
	if e.runs != nil {
		steps, _ := json.Marshal(g.Steps)
		err := e.runs.SavePipelineRun(&store.PipelineRun{
			ID:       runID,
			ThreadID: agent.ScopeFrom(ctx).ThreadID,
			Mode:     string(g.Mode),
			Policy:   string(g.OnPartialSuccess),
			Status:   string(StatusRunning),
			Steps:    steps,
		})
		if err != nil {
			e.logger.Warn("failed to save pipeline run", "run", runID, "error", err)
		}
	}
	e.publish(tr.TraceID, "graph_started", map[string]any{
		"run_id": runID,
		"mode":   g.Mode,
		"steps":  len(g.Steps),
	})
}

func (e *Executor) recordEnd(_ context.Context, res *Result) {
	if e.runs != nil {
		data, _ := json.Marshal(res)
		if err := e.runs.UpdatePipelineRun(res.RunID, string(res.Status), data); err != nil {
			e.logger.Warn("failed to update pipeline run", "run", res.RunID, "error", err)
		}
	}
	e.publish(res.TraceID, "graph_"+string(res.Status), map[string]any{
		"run_id":    res.RunID,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"failure":   res.Failure,
	})
}

func (e *Executor) publish(traceID, eventType string, data any) {
	if e.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"trace_id":  traceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := e.events.PublishJSON(natsbus.TopicEventsPipeline(traceID), event); err != nil {
		e.logger.Debug("failed to publish pipeline event", "error", err)
	}
}

// fence separates the live part of a run from its assembly. Once closed,
// late parallel steps can no longer write outputs or emit events.
type fence struct {
	mu      sync.Mutex
	closed  bool
	writers sync.WaitGroup
}

func (f *fence) enter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.writers.Add(1)
	return true
}

func (f *fence) leave() { f.writers.Done() }

// close waits for writers already inside.
func (f *fence) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.writers.Wait()
}

// send delivers ev unless the fence is closed. ch is sized so this never
// blocks.
func (f *fence) send(ch chan<- StepEvent, ev StepEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		ch <- ev
	}
}
