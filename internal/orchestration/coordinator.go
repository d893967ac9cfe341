// Package orchestration fans one request out to several agents and combines
// what comes back.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
	"golang.org/x/sync/errgroup"
)

type Strategy string

const (
	StrategyParallel     Strategy = "parallel"
	StrategySequential   Strategy = "sequential"
	StrategyFirstSuccess Strategy = "first_success"
)

var (
	ErrNoTargets       = errors.New("delegation needs at least one target")
	ErrUnknownStrategy = errors.New("unknown delegation strategy")
)

// SubAgentResult is the outcome of one delegated invocation.
type SubAgentResult struct {
	AgentID  string        `json:"agent_id"`
	Success  bool          `json:"success"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	Err      error         `json:"-"`
}

// Publisher sends lifecycle events to the bus.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Options struct {
	Caller      *agent.Caller
	Store       ctxstore.Store
	Propagator  *tracing.Propagator
	Synthesizer Synthesizer
	Events      Publisher
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

type Coordinator struct {
	caller      *agent.Caller
	store       ctxstore.Store
	propagator  *tracing.Propagator
	synthesizer Synthesizer
	events      Publisher
	metrics     *metrics.Collector
	logger      *slog.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Propagator == nil {
		opts.Propagator = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = ConcatSynthesizer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		caller:      opts.Caller,
		store:       opts.Store,
		propagator:  opts.Propagator,
		synthesizer: opts.Synthesizer,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "orchestration"),
	}
}

// Delegate sends message to every target under strategy and reports one
// result per target. Sub-agent failures are reported in the results, never
// as the returned error. timeout bounds each invocation when positive.
func (c *Coordinator) Delegate(ctx context.Context, tr tracing.Trace, message string, targets []string, strategy Strategy, timeout time.Duration) ([]SubAgentResult, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	switch strategy {
	case StrategyParallel, StrategySequential, StrategyFirstSuccess:
	case "":
		strategy = StrategyParallel
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if tr.IsZero() {
		return nil, errors.New("delegation needs a trace")
	}
	if !c.propagator.CanDerive(tr) {
		return nil, fmt.Errorf("%w: cannot delegate from depth %d", tracing.ErrDepthExceeded, tr.Depth)
	}

	ctx, span := telemetry.StartDelegateSpan(ctx, tr, string(strategy), len(targets))
	c.metrics.RecordDelegation(string(strategy))
	c.publish(tr.TraceID, "delegation_started", map[string]any{
		"strategy": strategy,
		"targets":  targets,
	})
	c.logger.Info("delegating", "trace_id", tr.TraceID, "strategy", strategy, "targets", targets)

	var results []SubAgentResult
	switch strategy {
	case StrategySequential:
		results = c.sequential(ctx, tr, message, targets, timeout)
	case StrategyFirstSuccess:
		results = c.firstSuccess(ctx, tr, message, targets, timeout)
	default:
		results = c.parallel(ctx, tr, message, targets, timeout)
	}

	if tr.IsRoot() {
		if err := c.store.Clear(context.WithoutCancel(ctx), tr.TraceID); err != nil {
			c.logger.Warn("failed to clear context namespace", "trace_id", tr.TraceID, "error", err)
		}
	}

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	c.publish(tr.TraceID, "delegation_completed", map[string]any{
		"strategy":  strategy,
		"succeeded": ok,
		"total":     len(results),
	})
	telemetry.End(span, nil)
	c.logger.Info("delegation finished", "trace_id", tr.TraceID, "succeeded", ok, "total", len(results))
	return results, nil
}

// Synthesize combines results with the configured strategy.
func (c *Coordinator) Synthesize(ctx context.Context, message string, results []SubAgentResult) (string, error) {
	return c.synthesizer.Synthesize(ctx, message, results)
}

func (c *Coordinator) parallel(ctx context.Context, tr tracing.Trace, message string, targets []string, timeout time.Duration) []SubAgentResult {
	results := make([]SubAgentResult, len(targets))
	var g errgroup.Group
	for i, id := range targets {
		g.Go(func() error {
			results[i] = c.invoke(ctx, tr, id, message, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) sequential(ctx context.Context, tr tracing.Trace, message string, targets []string, timeout time.Duration) []SubAgentResult {
	results := make([]SubAgentResult, 0, len(targets))
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			results = append(results, SubAgentResult{AgentID: id, Error: "cancelled", Err: err})
			continue
		}
		results = append(results, c.invoke(ctx, tr, id, message, timeout))
	}
	return results
}

func (c *Coordinator) firstSuccess(ctx context.Context, tr tracing.Trace, message string, targets []string, timeout time.Duration) []SubAgentResult {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so losers never block after the winner returns.
	ch := make(chan SubAgentResult, len(targets))
	for _, id := range targets {
		go func() {
			ch <- c.invoke(raceCtx, tr, id, message, timeout)
		}()
	}

	var results []SubAgentResult
	for range targets {
		r := <-ch
		results = append(results, r)
		if r.Success {
			cancel()
			break
		}
	}
	return results
}

func (c *Coordinator) invoke(ctx context.Context, tr tracing.Trace, agentID, message string, timeout time.Duration) SubAgentResult {
	res := SubAgentResult{AgentID: agentID}

	child, err := c.propagator.Derive(tr)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		return res
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.caller.Call(ctx, agentID, agent.NewRequest(child, message))
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		c.logger.Warn("sub-agent failed", "trace_id", tr.TraceID, "agent", agentID, "error", err)
		return res
	}
	res.Success = true
	res.Response = out
	return res
}

func (c *Coordinator) publish(traceID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"trace_id":  traceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := c.events.PublishJSON(natsbus.TopicEventsPipeline(traceID), event); err != nil {
		c.logger.Debug("failed to publish delegation event", "error", err)
	}
}
