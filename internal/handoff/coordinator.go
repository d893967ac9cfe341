package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

// DefaultPendingTimeout is how long a pending session may exist before a new
// initiation supersedes it.
const DefaultPendingTimeout = 30 * time.Second

// AgentSet tells the coordinator which agents can take a thread.
type AgentSet interface {
	Has(agentID string) bool
}

// MessageLog is the thread's conversation log.
type MessageLog interface {
	SaveMessage(m *store.Message) error
}

// Publisher sends lifecycle events to the bus.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Options struct {
	Repo           Repository
	Caller         *agent.Caller
	Agents         AgentSet
	Log            MessageLog
	Store          ctxstore.Store
	Propagator     *tracing.Propagator
	PendingTimeout time.Duration
	Events         Publisher
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

// Coordinator drives sessions through their states. It caches active
// sessions and falls back to the repository on a miss.
type Coordinator struct {
	repo           Repository
	caller         *agent.Caller
	agents         AgentSet
	log            MessageLog
	store          ctxstore.Store
	propagator     *tracing.Propagator
	pendingTimeout time.Duration
	events         Publisher
	metrics        *metrics.Collector
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.Mutex
	active map[string]*Session // threadID -> active session
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.Propagator == nil {
		opts.Propagator = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		repo:           opts.Repo,
		caller:         opts.Caller,
		agents:         opts.Agents,
		log:            opts.Log,
		store:          opts.Store,
		propagator:     opts.Propagator,
		pendingTimeout: opts.PendingTimeout,
		events:         opts.Events,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With("component", "handoff"),
		now:            func() time.Time { return time.Now().UTC() },
		active:         make(map[string]*Session),
	}
}

func (c *Coordinator) validate(req InitiateRequest) error {
	var problems []string
	if strings.TrimSpace(req.ThreadID) == "" {
		problems = append(problems, "thread_id is required")
	}
	if req.SourceAgentID == "" {
		problems = append(problems, "source_agent_id is required")
	}
	if req.TargetAgentID == "" {
		problems = append(problems, "target_agent_id is required")
	} else if c.agents != nil && !c.agents.Has(req.TargetAgentID) {
		problems = append(problems, fmt.Sprintf("unknown target agent %q", req.TargetAgentID))
	}
	if req.SourceAgentID != "" && req.SourceAgentID == req.TargetAgentID {
		problems = append(problems, "source and target must differ")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Initiate creates a session for the thread and accepts it at once. It fails
// with ErrConflict when the thread already has a session in progress.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*Acceptance, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartHandoffSpan(ctx, "initiate", req.ThreadID, "")
	acc, err := c.initiate(ctx, req)
	telemetry.End(span, err)
	return acc, err
}

func (c *Coordinator) initiate(ctx context.Context, req InitiateRequest) (*Acceptance, error) {
	existing, err := c.repo.Blocking(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load handoff: %w", err)
	}
	if existing != nil {
		if existing.State == StateActive && existing.TargetAgentID == req.SourceAgentID {
			return nil, fmt.Errorf("%w: %s already holds the thread through a handoff and cannot hand it off again",
				ErrInvalidRequest, req.SourceAgentID)
		}
		if !c.supersedeStale(ctx, existing) {
			c.metrics.RecordHandoffConflict()
			return nil, ErrConflict
		}
	}

	tr := req.Trace
	if tr.IsZero() {
		tr = c.propagator.NewRoot()
	}
	now := c.now()
	s := &Session{
		ID:               uuid.New().String(),
		ThreadID:         req.ThreadID,
		TraceID:          tr.TraceID,
		TaskID:           tr.TaskID,
		Tenant:           req.Tenant,
		User:             req.User,
		SourceAgentID:    req.SourceAgentID,
		TargetAgentID:    req.TargetAgentID,
		State:            StatePending,
		ContextSummary:   req.ContextSummary,
		Reason:           req.Reason,
		StartedAt:        now,
		UpdatedAt:        now,
		WorkflowState:    req.WorkflowState,
		WorkflowMetadata: req.WorkflowMetadata,
	}
	if err := c.repo.Create(ctx, s); err != nil {
		if errors.Is(err, ErrConflict) {
			c.metrics.RecordHandoffConflict()
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create handoff: %w", err)
	}
	c.publish(s, "handoff_initiated", nil)

	// Targets accept every handoff for now.
	if err := c.transition(ctx, s, StateActive, nil); err != nil {
		return nil, fmt.Errorf("accept handoff: %w", err)
	}
	c.cache(s)

	c.logger.Info("handoff active", "thread_id", s.ThreadID, "handoff", s.ID,
		"source", s.SourceAgentID, "target", s.TargetAgentID)
	return &Acceptance{
		HandoffID:     s.ID,
		ThreadID:      s.ThreadID,
		TargetAgentID: s.TargetAgentID,
		State:         s.State,
		AcceptedAt:    s.UpdatedAt,
	}, nil
}

// supersedeStale moves a pending session left behind past the pending
// timeout to error. It reports whether the thread is free afterwards.
func (c *Coordinator) supersedeStale(ctx context.Context, s *Session) bool {
	if s.State != StatePending || c.now().Sub(s.UpdatedAt) < c.pendingTimeout {
		return false
	}
	err := c.transition(ctx, s, StateError, func(s *Session) {
		s.Error = "superseded: never accepted"
	})
	if err != nil && !errors.Is(err, ErrStale) {
		c.logger.Warn("failed to supersede stale handoff", "handoff", s.ID, "error", err)
		return false
	}
	// On ErrStale someone else moved it; Create decides.
	return true
}

// Route forwards message to the thread's handoff target and streams the
// target's events. The user message and the reply are appended to the
// thread's log.
func (c *Coordinator) Route(ctx context.Context, threadID, message string) (<-chan agent.Event, error) {
	s, err := c.GetActive(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveHandoff
	}

	if err := c.update(ctx, s, func(s *Session) { s.InFlight = true }); err != nil {
		if errors.Is(err, ErrStale) {
			c.forget(threadID)
			return nil, ErrNoActiveHandoff
		}
		return nil, fmt.Errorf("mark handoff in flight: %w", err)
	}

	tr := c.propagator.NewRoot()
	c.appendLog(s, "user", "", tr.TraceID, message)

	ctx = agent.WithScope(ctx, agent.Scope{ThreadID: s.ThreadID, Tenant: s.Tenant, User: s.User})
	req := agent.NewRequest(tr, message)
	req.Context = s.ContextSummary

	events, err := c.caller.Stream(ctx, s.TargetAgentID, req)
	if err != nil {
		c.landed(ctx, threadID, s.ID)
		return nil, err
	}

	out := make(chan agent.Event, 16)
	go func() {
		defer close(out)
		var parts []string
		var final agent.Event
		for ev := range events {
			switch ev.Type {
			case agent.EventMessage:
				parts = append(parts, ev.Payload)
			case agent.EventDone, agent.EventError:
				final = ev
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		reply := final.Payload
		if final.Type == agent.EventDone && reply == "" {
			reply = strings.Join(parts, "\n")
		}
		if final.Type == agent.EventDone {
			c.appendLog(s, "assistant", s.TargetAgentID, tr.TraceID, reply)
		}
		c.landed(context.WithoutCancel(ctx), threadID, s.ID)
		if c.store != nil {
			_ = c.store.Clear(context.WithoutCancel(ctx), tr.TraceID)
		}
	}()
	return out, nil
}

// landed clears the in-flight mark of session id if it is still the thread's
// active session.
func (c *Coordinator) landed(ctx context.Context, threadID, id string) {
	s, ok := c.cached(threadID)
	if !ok || s.ID != id {
		// Returned or cancelled while the target was running.
		cur, err := c.repo.Blocking(ctx, threadID)
		if err != nil || cur == nil || cur.ID != id || cur.State != StateActive {
			return
		}
		s = cur
	}
	if err := c.update(ctx, s, func(s *Session) { s.InFlight = false }); err != nil {
		c.logger.Warn("failed to clear in-flight mark", "handoff", id, "error", err)
	}
}

// ReceiveReturn hands the thread back. The session passes through returning
// and ends completed, or error when the target reports failure.
func (c *Coordinator) ReceiveReturn(ctx context.Context, threadID string, ret ReturnRequest) (_ *Session, err error) {
	s, err := c.GetActive(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveHandoff
	}

	ctx, span := telemetry.StartHandoffSpan(ctx, "return", threadID, s.ID)
	defer func() { telemetry.End(span, err) }()

	if err = c.transition(ctx, s, StateReturning, nil); err != nil {
		if errors.Is(err, ErrStale) {
			c.forget(threadID)
			return nil, ErrNoActiveHandoff
		}
		return nil, err
	}
	c.forget(threadID)

	final := StateCompleted
	if ret.Status == ReturnFailure {
		final = StateError
	}
	err = c.transition(ctx, s, final, func(s *Session) {
		s.ResultSummary = ret.Summary
		s.Artifacts = ret.Artifacts
		if ret.Status == ReturnFailure {
			s.Error = ret.Error
			if s.Error == "" {
				s.Error = "target reported failure"
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if ret.Summary != "" {
		c.appendLog(s, "assistant", s.TargetAgentID, s.TraceID, ret.Summary)
	}
	c.logger.Info("handoff returned", "thread_id", threadID, "handoff", s.ID, "state", s.State)
	return s.clone(), nil
}

// Cancel ends the thread's active session without a return.
func (c *Coordinator) Cancel(ctx context.Context, threadID, reason string) (*Session, error) {
	s, err := c.GetActive(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveHandoff
	}
	err = c.transition(ctx, s, StateCancelled, func(s *Session) { s.Error = reason })
	c.forget(threadID)
	if err != nil {
		if errors.Is(err, ErrStale) {
			return nil, ErrNoActiveHandoff
		}
		return nil, err
	}
	c.logger.Info("handoff cancelled", "thread_id", threadID, "handoff", s.ID, "reason", reason)
	return s.clone(), nil
}

// GetActive returns the thread's active session or nil. On a cache miss the
// session is rebuilt from the repository; one that was returning, or was
// mid-route, when it was last written cannot be resumed and is moved to
// error.
func (c *Coordinator) GetActive(ctx context.Context, threadID string) (*Session, error) {
	if s, ok := c.cached(threadID); ok {
		return s, nil
	}

	s, err := c.repo.Blocking(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load handoff: %w", err)
	}
	if s == nil {
		return nil, nil
	}

	switch {
	case s.State == StateReturning || (s.State == StateActive && s.InFlight):
		reason := "interrupted while returning"
		if s.State == StateActive {
			reason = "interrupted while the target was running; please retry"
		}
		err := c.transition(ctx, s, StateError, func(s *Session) { s.Error = reason })
		if err != nil && !errors.Is(err, ErrStale) {
			return nil, err
		}
		c.logger.Warn("handoff could not be resumed", "thread_id", threadID, "handoff", s.ID, "reason", reason)
		return nil, nil
	case s.State == StateActive:
		c.cache(s)
		return s.clone(), nil
	}
	return nil, nil
}

func (c *Coordinator) History(ctx context.Context, threadID string) ([]*Session, error) {
	return c.repo.History(ctx, threadID)
}

// Prune deletes terminal sessions last updated before cutoff.
func (c *Coordinator) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.repo.Prune(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("prune handoffs: %w", err)
	}
	return n, nil
}

// transition moves s to state to, persisting it with a compare-and-set on
// its current state. s is updated only when the write succeeds.
func (c *Coordinator) transition(ctx context.Context, s *Session, to State, mutate func(*Session)) error {
	from := s.State
	if err := checkTransition(from, to); err != nil {
		return err
	}
	next := s.clone()
	next.State = to
	next.UpdatedAt = c.now()
	if mutate != nil {
		mutate(next)
	}
	if to.Terminal() {
		t := next.UpdatedAt
		next.CompletedAt = &t
		next.InFlight = false
	}
	if err := c.repo.Update(ctx, next, from); err != nil {
		return err
	}
	*s = *next

	c.metrics.RecordHandoffTransition(string(from), string(to))
	c.publish(s, "handoff_"+string(to), map[string]any{"from": from})
	return nil
}

// update persists a change that keeps the state.
func (c *Coordinator) update(ctx context.Context, s *Session, mutate func(*Session)) error {
	next := s.clone()
	next.UpdatedAt = c.now()
	mutate(next)
	if err := c.repo.Update(ctx, next, s.State); err != nil {
		return err
	}
	*s = *next
	if s.State == StateActive {
		c.cache(s)
	}
	return nil
}

func (c *Coordinator) cached(threadID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[threadID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

func (c *Coordinator) cache(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[s.ThreadID] = s.clone()
}

func (c *Coordinator) forget(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, threadID)
}

func (c *Coordinator) appendLog(s *Session, role, agentID, traceID, content string) {
	if c.log == nil {
		return
	}
	err := c.log.SaveMessage(&store.Message{
		ThreadID: s.ThreadID,
		Role:     role,
		AgentID:  agentID,
		TraceID:  traceID,
		Content:  content,
		Metadata: []byte(fmt.Sprintf(`{"handoff_id":%q}`, s.ID)),
	})
	if err != nil {
		c.logger.Warn("failed to append message", "thread_id", s.ThreadID, "error", err)
	}
}

func (c *Coordinator) publish(s *Session, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["handoff_id"] = s.ID
	data["state"] = s.State
	data["target_agent_id"] = s.TargetAgentID
	event := map[string]any{
		"type":      eventType,
		"thread_id": s.ThreadID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := c.events.PublishJSON(natsbus.TopicEventsHandoff(s.ThreadID), event); err != nil {
		c.logger.Debug("failed to publish handoff event", "error", err)
	}
}
