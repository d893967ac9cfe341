// Package tracing carries the causal identifier shared by every unit of work
// spawned for one user request.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultMaxDepth bounds nesting when no explicit ceiling is configured.
const DefaultMaxDepth = 2

// ErrDepthExceeded is returned when deriving a trace would nest deeper than
// the configured ceiling.
var ErrDepthExceeded = errors.New("trace depth exceeded")

// Trace identifies one unit of work. All traces in a call tree share TraceID;
// Depth grows by one per nested invocation. A Trace is a value and is never
// modified after creation.
type Trace struct {
	TraceID string `json:"trace_id"`
	TaskID  string `json:"task_id"`
	Depth   int    `json:"depth"`
}

// IsRoot reports whether t was created by NewRoot.
func (t Trace) IsRoot() bool { return t.Depth == 0 }

func (t Trace) IsZero() bool { return t.TraceID == "" }

func (t Trace) String() string {
	return fmt.Sprintf("%s/%s@%d", t.TraceID, t.TaskID, t.Depth)
}

// Propagator creates root traces and derives nested ones under a depth limit.
type Propagator struct {
	maxDepth int
}

func NewPropagator(maxDepth int) *Propagator {
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Propagator{maxDepth: maxDepth}
}

func (p *Propagator) MaxDepth() int { return p.maxDepth }

// NewRoot starts a fresh call tree.
func (p *Propagator) NewRoot() Trace {
	return Trace{
		TraceID: uuid.NewString(),
		TaskID:  uuid.NewString(),
	}
}

// Derive returns a child of parent with a new task id and Depth+1.
func (p *Propagator) Derive(parent Trace) (Trace, error) {
	if parent.IsZero() {
		return Trace{}, errors.New("derive from empty trace")
	}
	if parent.Depth+1 > p.maxDepth {
		return Trace{}, fmt.Errorf("%w: depth %d exceeds limit %d", ErrDepthExceeded, parent.Depth+1, p.maxDepth)
	}
	return Trace{
		TraceID: parent.TraceID,
		TaskID:  uuid.NewString(),
		Depth:   parent.Depth + 1,
	}, nil
}

// CanDerive reports whether a child of parent would stay within the limit.
func (p *Propagator) CanDerive(parent Trace) bool {
	return parent.Depth+1 <= p.maxDepth
}

type contextKey struct{}

// WithTrace attaches t to ctx.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the trace attached to ctx, if any.
func FromContext(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(contextKey{}).(Trace)
	return t, ok && !t.IsZero()
}
