// Package janitor periodically removes coordination state nobody will ask
// for again: finished handoff sessions, abandoned context namespaces, old
// pipeline audit records and invocations whose agent went silent.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type HandoffPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// ContextSweeper drops namespaces untouched since cutoff. Backends that
// expire keys on their own do not need one.
type ContextSweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

type RunPruner interface {
	DeletePipelineRunsBefore(cutoff time.Time) (int64, error)
}

// Invocations is the live invocation table.
type Invocations interface {
	ListIdle(timeout time.Duration) []string
	Remove(id string)
}

type Metrics interface {
	RecordJanitor(kind string, n int)
}

type Options struct {
	Handoffs    HandoffPruner
	Contexts    ContextSweeper
	Runs        RunPruner
	Invocations Invocations

	PollInterval time.Duration
	// Retention bounds how long finished handoffs and pipeline runs are kept.
	Retention time.Duration
	// ContextTTL is how long a namespace may sit unwritten before it is
	// considered abandoned.
	ContextTTL time.Duration
	// IdleInvocation is how long an invocation may go without activity.
	IdleInvocation time.Duration

	Metrics Metrics
	Logger  *slog.Logger
}

type Janitor struct {
	opts     Options
	mu       sync.Mutex
	reloadCh chan struct{}
	now      func() time.Time
	logger   *slog.Logger
}

func New(opts Options) *Janitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		opts:     opts,
		reloadCh: make(chan struct{}, 1),
		now:      time.Now,
		logger:   logger.With("component", "janitor"),
	}
}

// UpdateConfig swaps the poll interval and retention windows, then signals
// the run loop to reset its ticker.
func (j *Janitor) UpdateConfig(pollInterval, retention, contextTTL time.Duration) {
	j.mu.Lock()
	if pollInterval > 0 {
		j.opts.PollInterval = pollInterval
	}
	j.opts.Retention = retention
	j.opts.ContextTTL = contextTTL
	j.mu.Unlock()
	select {
	case j.reloadCh <- struct{}{}:
	default:
	}
}

func (j *Janitor) options() Options {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opts
}

// Start runs until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	interval := j.options().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "poll_interval", interval)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-j.reloadCh:
			interval = j.options().PollInterval
			ticker.Reset(interval)
			j.logger.Info("janitor config reloaded", "poll_interval", interval)
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Report counts what one sweep removed.
type Report struct {
	Handoffs    int `json:"handoffs"`
	Contexts    int `json:"contexts"`
	Runs        int `json:"runs"`
	Invocations int `json:"invocations"`
}

// Sweep runs every cleanup once. Failures are logged and do not stop the
// other cleanups.
func (j *Janitor) Sweep(ctx context.Context) Report {
	opts := j.options()
	now := j.now()
	var rep Report

	if opts.Handoffs != nil && opts.Retention > 0 {
		n, err := opts.Handoffs.Prune(ctx, now.Add(-opts.Retention))
		if err != nil {
			j.logger.Error("failed to prune handoffs", "error", err)
		}
		rep.Handoffs = n
	}

	if opts.Contexts != nil && opts.ContextTTL > 0 {
		n, err := opts.Contexts.Sweep(ctx, now.Add(-opts.ContextTTL))
		if err != nil {
			j.logger.Error("failed to sweep context namespaces", "error", err)
		}
		rep.Contexts = n
	}

	if opts.Runs != nil && opts.Retention > 0 {
		n, err := opts.Runs.DeletePipelineRunsBefore(now.Add(-opts.Retention))
		if err != nil {
			j.logger.Error("failed to delete pipeline runs", "error", err)
		}
		rep.Runs = int(n)
	}

	if opts.Invocations != nil && opts.IdleInvocation > 0 {
		for _, id := range opts.Invocations.ListIdle(opts.IdleInvocation) {
			opts.Invocations.Remove(id)
			rep.Invocations++
		}
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordJanitor("handoffs", rep.Handoffs)
		opts.Metrics.RecordJanitor("contexts", rep.Contexts)
		opts.Metrics.RecordJanitor("runs", rep.Runs)
		opts.Metrics.RecordJanitor("invocations", rep.Invocations)
	}

	if rep != (Report{}) {
		j.logger.Info("janitor sweep", "handoffs", rep.Handoffs, "contexts", rep.Contexts,
			"runs", rep.Runs, "invocations", rep.Invocations)
	}
	return rep
}
