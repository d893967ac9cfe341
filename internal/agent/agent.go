// Package agent defines how the gateway reaches an agent: a request goes in,
// a finite stream of events comes out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/telemetry"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

type EventType string

const (
	EventMessage EventType = "message"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one item of an invocation's stream. Every stream ends with
// exactly one done or error event.
type Event struct {
	Type    EventType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	Payload string    `json:"payload,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Request is what an agent receives. Trace fields are set by the caller and
// never taken from agent output.
type Request struct {
	TraceID  string                     `json:"trace_id"`
	TaskID   string                     `json:"task_id"`
	Depth    int                        `json:"depth"`
	ThreadID string                     `json:"thread_id,omitempty"`
	Tenant   string                     `json:"tenant,omitempty"`
	User     string                     `json:"user,omitempty"`
	Message  string                     `json:"message"`
	Context  string                     `json:"context,omitempty"`
	Inputs   map[string]json.RawMessage `json:"inputs,omitempty"`
}

func (r Request) Trace() tracing.Trace {
	return tracing.Trace{TraceID: r.TraceID, TaskID: r.TaskID, Depth: r.Depth}
}

// NewRequest fills the trace fields of a request from tr.
func NewRequest(tr tracing.Trace, message string) Request {
	return Request{
		TraceID: tr.TraceID,
		TaskID:  tr.TaskID,
		Depth:   tr.Depth,
		Message: message,
	}
}

// Invoker is the capability to run an agent. The returned channel is closed
// after the terminal event, or early if ctx is cancelled.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, req Request) (<-chan Event, error)
}

// ErrTimeout marks an invocation that ran past its deadline.
var ErrTimeout = errors.New("agent invocation timed out")

// InvocationError reports that an agent failed or could not be reached.
type InvocationError struct {
	AgentID string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.AgentID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Collect drains an event stream and returns the final result. The done
// payload wins; when it is empty the message payloads are joined instead.
func Collect(ctx context.Context, events <-chan Event) (string, error) {
	var parts []string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", errors.New("event stream closed without a result")
			}
			switch ev.Type {
			case EventMessage:
				parts = append(parts, ev.Payload)
			case EventDone:
				if ev.Payload != "" {
					return ev.Payload, nil
				}
				return strings.Join(parts, "\n"), nil
			case EventError:
				msg := ev.Payload
				if msg == "" {
					msg = "agent reported an error"
				}
				return "", errors.New(msg)
			}
		}
	}
}

// Caller runs single invocations to completion under a per-invocation
// timeout and records them.
type Caller struct {
	Invoker Invoker
	Timeout time.Duration
	Metrics *metrics.Collector
}

// Call invokes agentID and waits for its result. Failures are returned as
// *InvocationError; a deadline is reported as ErrTimeout inside it.
func (c *Caller) Call(ctx context.Context, agentID string, req Request) (string, error) {
	start := time.Now()
	ctx, span := telemetry.StartInvokeSpan(ctx, agentID, req.Trace())

	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	out, err := c.call(callCtx, agentID, req)
	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			err = &InvocationError{AgentID: agentID, Err: ErrTimeout}
		case errors.Is(err, context.Canceled):
			outcome = "cancelled"
			err = &InvocationError{AgentID: agentID, Err: err}
		default:
			outcome = "error"
			var ie *InvocationError
			if !errors.As(err, &ie) {
				err = &InvocationError{AgentID: agentID, Err: err}
			}
		}
	}
	c.Metrics.RecordInvocation(agentID, outcome, time.Since(start))
	telemetry.End(span, err)
	return out, err
}

func (c *Caller) call(ctx context.Context, agentID string, req Request) (string, error) {
	req.applyScope(ScopeFrom(ctx))
	events, err := c.Invoker.Invoke(ctx, agentID, req)
	if err != nil {
		return "", err
	}
	return Collect(ctx, events)
}

// Stream invokes agentID and forwards its events re-tagged with the request's
// trace. The channel always ends with exactly one terminal event: a failure,
// a timeout or cancellation after the agent was reached is delivered as an
// error event. The consumer must drain the channel or cancel ctx.
func (c *Caller) Stream(ctx context.Context, agentID string, req Request) (<-chan Event, error) {
	start := time.Now()
	ctx, span := telemetry.StartInvokeSpan(ctx, agentID, req.Trace())

	callCtx, cancel := context.WithCancel(ctx)
	if c.Timeout > 0 {
		cancel()
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	req.applyScope(ScopeFrom(ctx))
	events, err := c.Invoker.Invoke(callCtx, agentID, req)
	if err != nil {
		cancel()
		err = &InvocationError{AgentID: agentID, Err: err}
		c.Metrics.RecordInvocation(agentID, "error", time.Since(start))
		telemetry.End(span, err)
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer cancel()

		var final Event
		for final.Type == "" {
			select {
			case ev, ok := <-events:
				if !ok {
					final = c.interrupted(callCtx, agentID, "event stream closed without a result")
					break
				}
				if ev.Terminal() {
					final = ev
					break
				}
				ev.AgentID, ev.TraceID, ev.TaskID = agentID, req.TraceID, req.TaskID
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			case <-callCtx.Done():
				final = c.interrupted(callCtx, agentID, "")
			}
		}

		final.AgentID, final.TraceID, final.TaskID = agentID, req.TraceID, req.TaskID
		outcome := "ok"
		var endErr error
		if final.Type == EventError {
			outcome = "error"
			switch {
			case errors.Is(callCtx.Err(), context.DeadlineExceeded):
				outcome = "timeout"
			case errors.Is(callCtx.Err(), context.Canceled):
				outcome = "cancelled"
			}
			endErr = &InvocationError{AgentID: agentID, Err: errors.New(final.Payload)}
		}
		c.Metrics.RecordInvocation(agentID, outcome, time.Since(start))
		telemetry.End(span, endErr)

		// Prefer delivering the terminal event even when ctx is done.
		select {
		case out <- final:
		default:
			select {
			case out <- final:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (c *Caller) interrupted(callCtx context.Context, agentID, fallback string) Event {
	msg := fallback
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		msg = ErrTimeout.Error()
	case errors.Is(callCtx.Err(), context.Canceled):
		msg = context.Canceled.Error()
	}
	if msg == "" {
		msg = "invocation of " + agentID + " was interrupted"
	}
	return Event{Type: EventError, Payload: msg}
}
