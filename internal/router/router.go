// Package router is the entry point for every message of a conversation
// thread. It sends the message to the thread's handoff target when one holds
// the thread, and otherwise picks a coordination path for it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/handoff"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/orchestration"
	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

var ErrNoDefaultAgent = errors.New("no default agent configured")

type ChunkType string

const (
	ChunkMessage ChunkType = "message"
	ChunkStatus  ChunkType = "status"
	ChunkDone    ChunkType = "done"
	ChunkError   ChunkType = "error"
)

// Chunk is one item of a routed reply stream. The stream ends with exactly
// one done or error chunk.
type Chunk struct {
	Type     ChunkType `json:"type"`
	ThreadID string    `json:"thread_id"`
	TraceID  string    `json:"trace_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Path     Kind      `json:"path,omitempty"`
	Content  string    `json:"content,omitempty"`
}

// MessageLog is the thread's conversation log.
type MessageLog interface {
	SaveMessage(m *store.Message) error
	GetMessages(threadID string, limit int) ([]store.Message, error)
}

// Publisher sends lifecycle events to the bus.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Options struct {
	Handoffs     *handoff.Coordinator
	Orchestrator *orchestration.Coordinator
	Pipelines    *pipeline.Executor
	Caller       *agent.Caller
	Classifier   Classifier
	Agents       Directory
	Log          MessageLog
	Store        ctxstore.Store
	Propagator   *tracing.Propagator
	Config       config.RouterConfig
	Events       Publisher
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

type Router struct {
	handoffs   *handoff.Coordinator
	orch       *orchestration.Coordinator
	pipelines  *pipeline.Executor
	caller     *agent.Caller
	classifier Classifier
	agents     Directory
	log        MessageLog
	store      ctxstore.Store
	propagator *tracing.Propagator
	events     Publisher
	metrics    *metrics.Collector
	logger     *slog.Logger
	locks      *threadLocks

	cfgMu sync.RWMutex
	cfg   config.RouterConfig
}

func New(opts Options) *Router {
	if opts.Propagator == nil {
		opts.Propagator = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	if opts.Classifier == nil {
		opts.Classifier = PrefixClassifier{Agents: opts.Agents}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		handoffs:   opts.Handoffs,
		orch:       opts.Orchestrator,
		pipelines:  opts.Pipelines,
		caller:     opts.Caller,
		classifier: opts.Classifier,
		agents:     opts.Agents,
		log:        opts.Log,
		store:      opts.Store,
		propagator: opts.Propagator,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "router"),
		locks:      newThreadLocks(),
		cfg:        opts.Config,
	}
}

// SetConfig replaces the routing settings used by later messages.
func (r *Router) SetConfig(cfg config.RouterConfig) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.cfg = cfg
}

func (r *Router) config() config.RouterConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// DefaultAgent is the agent messages go to when nothing else is chosen.
func (r *Router) DefaultAgent() string {
	return r.config().DefaultAgent
}

// Busy reports whether a message of the thread is being handled.
func (r *Router) Busy(threadID string) bool {
	return r.locks.busy(threadID)
}

// Route handles one inbound message. Messages of the same thread are handled
// one at a time: Route waits for the thread, and the thread stays held until
// the returned stream is finished. The caller must drain the stream.
func (r *Router) Route(ctx context.Context, threadID, tenant, user, message string) (<-chan Chunk, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("thread id is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("message is empty")
	}

	release, err := r.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("wait for thread: %w", err)
	}

	ctx, span := telemetry.StartRouteSpan(ctx, threadID)
	ctx = agent.WithScope(ctx, agent.Scope{ThreadID: threadID, Tenant: tenant, User: user})

	out := make(chan Chunk, 32)
	s := &stream{r: r, ctx: ctx, threadID: threadID, out: out}

	active, err := r.handoffs.GetActive(ctx, threadID)
	if err != nil {
		release()
		telemetry.End(span, err)
		return nil, err
	}

	go func() {
		defer close(out)
		defer release()
		var err error
		if active != nil {
			err = s.viaHandoff(message)
		} else {
			err = s.viaCoordination(message)
		}
		telemetry.End(span, err)
	}()
	return out, nil
}

// stream is the state of one routed message.
type stream struct {
	r        *Router
	ctx      context.Context
	threadID string
	traceID  string
	out      chan<- Chunk
}

func (s *stream) send(c Chunk) {
	c.ThreadID = s.threadID
	if c.TraceID == "" {
		c.TraceID = s.traceID
	}
	select {
	case s.out <- c:
	case <-s.ctx.Done():
		// The consumer may be gone; terminal chunks still get a chance.
		if c.Type == ChunkDone || c.Type == ChunkError {
			select {
			case s.out <- c:
			default:
			}
		}
	}
}

func (s *stream) fail(path Kind, err error) error {
	s.send(Chunk{Type: ChunkError, Path: path, Content: err.Error()})
	s.r.publish(s.threadID, "route_failed", map[string]any{"path": path, "error": err.Error()})
	return err
}

func (s *stream) viaHandoff(message string) error {
	events, err := s.r.handoffs.Route(s.ctx, s.threadID, message)
	if errors.Is(err, handoff.ErrNoActiveHandoff) {
		// Returned between the check and the call.
		return s.viaCoordination(message)
	}
	if err != nil {
		return s.fail(KindHandoff, err)
	}
	s.r.metrics.RecordRoute("handoff")
	return s.forward(KindHandoff, events, false)
}

// forward relays agent events as chunks. It reports the terminal event's
// failure, if any.
func (s *stream) forward(path Kind, events <-chan agent.Event, logReply bool) error {
	var parts []string
	var final agent.Event
	for ev := range events {
		switch ev.Type {
		case agent.EventMessage:
			parts = append(parts, ev.Payload)
			s.send(Chunk{Type: ChunkMessage, Path: path, AgentID: ev.AgentID, TraceID: ev.TraceID, Content: ev.Payload})
		case agent.EventDone, agent.EventError:
			final = ev
		}
	}

	if final.Type != agent.EventDone {
		msg := final.Payload
		if msg == "" {
			msg = "agent stream ended without a result"
		}
		return s.fail(path, &agent.InvocationError{AgentID: final.AgentID, Err: errors.New(msg)})
	}
	reply := final.Payload
	if reply == "" {
		reply = strings.Join(parts, "\n")
	}
	if logReply {
		s.r.appendLog(s.threadID, "assistant", final.AgentID, s.traceID, reply)
	}
	s.send(Chunk{Type: ChunkDone, Path: path, AgentID: final.AgentID, TraceID: final.TraceID, Content: reply})
	s.r.publish(s.threadID, "reply", map[string]any{"path": path, "agent_id": final.AgentID})
	return nil
}

func (s *stream) viaCoordination(message string) error {
	r := s.r
	cfg := r.config()
	tr := r.propagator.NewRoot()
	s.traceID = tr.TraceID
	// Only a root trace reaches this point, so this path owns the namespace.
	defer func() {
		if err := r.store.Clear(context.WithoutCancel(s.ctx), tr.TraceID); err != nil {
			r.logger.Warn("failed to clear context namespace", "trace_id", tr.TraceID, "error", err)
		}
	}()

	var history []store.Message
	if r.log != nil && cfg.HistoryLimit > 0 {
		h, err := r.log.GetMessages(s.threadID, cfg.HistoryLimit)
		if err != nil {
			r.logger.Warn("failed to load history", "thread_id", s.threadID, "error", err)
		}
		history = h
	}

	in, err := r.classifier.Classify(s.ctx, ClassifyRequest{ThreadID: s.threadID, Message: message, History: history, Trace: tr})
	if err != nil {
		return s.fail(KindSingle, err)
	}
	d := Decide(in, Thresholds{FanOut: cfg.FanOutThreshold, Handoff: cfg.HandoffThreshold}, message, cfg.DefaultAgent)
	r.metrics.RecordRoute(string(d.Path))
	r.logger.Info("routing message", "thread_id", s.threadID, "trace_id", tr.TraceID, "path", d.Path,
		"targets", d.Targets, "reason", d.Reason)
	r.publish(s.threadID, "routed", map[string]any{"path": d.Path, "targets": d.Targets, "trace_id": tr.TraceID})

	if d.Path == KindHandoff {
		return s.startHandoff(tr, d, history)
	}

	r.appendLog(s.threadID, "user", "", tr.TraceID, message)
	s.send(Chunk{Type: ChunkStatus, Path: d.Path, Content: describe(d)})

	switch d.Path {
	case KindFanOut:
		return s.fanOut(tr, d)
	case KindPipeline:
		return s.runPipeline(tr, d)
	}
	return s.single(tr, d, history)
}

func describe(d Decision) string {
	switch d.Path {
	case KindFanOut:
		return "asking " + strings.Join(d.Targets, ", ")
	case KindPipeline:
		return fmt.Sprintf("running a %d-step task graph", len(d.Graph.Steps))
	case KindHandoff:
		return "handing the conversation to " + d.Targets[0]
	}
	return "asking " + d.Targets[0]
}

func (s *stream) single(tr tracing.Trace, d Decision, history []store.Message) error {
	target := d.Targets[0]
	if target == "" {
		return s.fail(KindSingle, ErrNoDefaultAgent)
	}
	req := agent.NewRequest(tr, d.Message)
	req.Context = formatHistory(history)

	events, err := s.r.caller.Stream(s.ctx, target, req)
	if err != nil {
		return s.fail(KindSingle, err)
	}
	return s.forward(KindSingle, events, true)
}

func (s *stream) fanOut(tr tracing.Trace, d Decision) error {
	results, err := s.r.orch.Delegate(s.ctx, tr, d.Message, d.Targets, orchestration.StrategyParallel, 0)
	if err != nil {
		return s.fail(KindFanOut, err)
	}
	for _, res := range results {
		if res.Success {
			s.send(Chunk{Type: ChunkMessage, Path: KindFanOut, AgentID: res.AgentID, Content: res.Response})
		} else {
			s.send(Chunk{Type: ChunkStatus, Path: KindFanOut, AgentID: res.AgentID, Content: "failed: " + res.Error})
		}
	}

	reply, err := s.r.orch.Synthesize(s.ctx, d.Message, results)
	if err != nil {
		return s.fail(KindFanOut, err)
	}
	s.r.appendLog(s.threadID, "assistant", "", tr.TraceID, reply)
	s.send(Chunk{Type: ChunkDone, Path: KindFanOut, Content: reply})
	s.r.publish(s.threadID, "reply", map[string]any{"path": KindFanOut})
	return nil
}

func (s *stream) runPipeline(tr tracing.Trace, d Decision) error {
	run, err := s.r.pipelines.Start(s.ctx, d.Graph, tr)
	if err != nil {
		return s.fail(KindPipeline, err)
	}
	for ev := range run.Events() {
		content := fmt.Sprintf("step %d (%s) %s", ev.Index, ev.AgentID, strings.TrimPrefix(string(ev.Type), "step_"))
		if ev.Error != "" {
			content += ": " + ev.Error
		}
		s.send(Chunk{Type: ChunkStatus, Path: KindPipeline, AgentID: ev.AgentID, Content: content})
	}

	res, err := run.Wait()
	if err != nil {
		return s.fail(KindPipeline, err)
	}
	reply := pipelineReply(res)
	s.r.appendLog(s.threadID, "assistant", "", tr.TraceID, reply)
	s.send(Chunk{Type: ChunkDone, Path: KindPipeline, Content: reply})
	s.r.publish(s.threadID, "reply", map[string]any{"path": KindPipeline, "status": res.Status})
	return nil
}

// pipelineReply is the output of the last step that produced one.
func pipelineReply(res *pipeline.Result) string {
	for i := len(res.Steps) - 1; i >= 0; i-- {
		if st := res.Steps[i]; st.Status == pipeline.StepSucceeded && st.Output != "" {
			return st.Output
		}
	}
	return fmt.Sprintf("Task graph finished %s.", res.Status)
}

func (s *stream) startHandoff(tr tracing.Trace, d Decision, history []store.Message) error {
	cfg := s.r.config()
	scope := agent.ScopeFrom(s.ctx)
	acc, err := s.r.handoffs.Initiate(s.ctx, handoff.InitiateRequest{
		ThreadID:       s.threadID,
		Tenant:         scope.Tenant,
		User:           scope.User,
		SourceAgentID:  cfg.DefaultAgent,
		TargetAgentID:  d.Targets[0],
		ContextSummary: formatHistory(history),
		Reason:         d.Reason,
		Trace:          tr,
	})
	if err != nil {
		if errors.Is(err, handoff.ErrInvalidRequest) || errors.Is(err, handoff.ErrConflict) {
			s.r.logger.Info("handoff refused, answering directly", "thread_id", s.threadID, "error", err)
			s.r.appendLog(s.threadID, "user", "", tr.TraceID, d.Message)
			return s.single(tr, Decision{Path: KindSingle, Targets: []string{cfg.DefaultAgent}, Message: d.Message}, history)
		}
		return s.fail(KindHandoff, err)
	}

	s.send(Chunk{Type: ChunkStatus, Path: KindHandoff, AgentID: acc.TargetAgentID, Content: describe(d)})
	if d.Message == "" {
		s.send(Chunk{Type: ChunkDone, Path: KindHandoff, AgentID: acc.TargetAgentID,
			Content: fmt.Sprintf("You are now talking to %s.", acc.TargetAgentID)})
		return nil
	}

	events, err := s.r.handoffs.Route(s.ctx, s.threadID, d.Message)
	if err != nil {
		return s.fail(KindHandoff, err)
	}
	return s.forward(KindHandoff, events, false)
}

func formatHistory(history []store.Message) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range history {
		who := m.Role
		if m.AgentID != "" {
			who = m.AgentID
		}
		fmt.Fprintf(&sb, "%s: %s\n", who, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) appendLog(threadID, role, agentID, traceID, content string) {
	if r.log == nil {
		return
	}
	err := r.log.SaveMessage(&store.Message{
		ThreadID: threadID,
		Role:     role,
		AgentID:  agentID,
		TraceID:  traceID,
		Content:  content,
	})
	if err != nil {
		r.logger.Warn("failed to append message", "thread_id", threadID, "error", err)
	}
}

func (r *Router) publish(threadID, eventType string, data map[string]any) {
	if r.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"thread_id": threadID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := r.events.PublishJSON(natsbus.TopicEventsThread(threadID), event); err != nil {
		r.logger.Debug("failed to publish thread event", "error", err)
	}
}
