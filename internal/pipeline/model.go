// Package pipeline runs declarative task graphs: ordered agent steps in
// sequential or parallel mode that pass data through the shared context
// store.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Policy decides what a failed required step does to the run.
type Policy string

const (
	// PolicyFail aborts at the first required failure.
	PolicyFail Policy = "fail"
	// PolicyContinue runs every step but reports the run as failed.
	PolicyContinue Policy = "continue"
	// PolicyBestEffort runs every step and reports a partial result.
	PolicyBestEffort Policy = "best_effort"
)

type Step struct {
	AgentID         string   `json:"agent_id"`
	TaskDescription string   `json:"task_description"`
	InputFrom       []string `json:"input_from,omitempty"`
	OutputTo        string   `json:"output_to,omitempty"`
	Required        bool     `json:"required"`
}

// UnmarshalJSON defaults Required to true when the field is absent.
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	p := plain{Required: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

type Graph struct {
	Steps            []Step `json:"steps"`
	Mode             Mode   `json:"mode"`
	OnPartialSuccess Policy `json:"on_partial_success"`
}

// ParseGraph decodes a graph description. Mode and policy are matched
// case-insensitively and default to sequential and fail. The result is not
// validated; call Validate before running it.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed graph: %v", err)}}
	}
	g.normalize()
	return &g, nil
}

func (g *Graph) normalize() {
	g.Mode = Mode(strings.ToLower(string(g.Mode)))
	if g.Mode == "" {
		g.Mode = ModeSequential
	}
	g.OnPartialSuccess = Policy(strings.ToLower(string(g.OnPartialSuccess)))
	if g.OnPartialSuccess == "" {
		g.OnPartialSuccess = PolicyFail
	}
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepOutcome struct {
	Index    int           `json:"index"`
	AgentID  string        `json:"agent_id"`
	Status   StepStatus    `json:"status"`
	Required bool          `json:"required"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Result is produced once per run. Succeeded, Failed and Skipped list agent
// ids in step order without duplicates.
type Result struct {
	RunID     string                     `json:"run_id"`
	TraceID   string                     `json:"trace_id"`
	Status    Status                     `json:"status"`
	Succeeded []string                   `json:"succeeded"`
	Failed    []string                   `json:"failed"`
	Skipped   []string                   `json:"skipped,omitempty"`
	Outputs   map[string]json.RawMessage `json:"outputs"`
	Steps     []StepOutcome              `json:"steps"`
	Failure   string                     `json:"failure,omitempty"`
}

// EventType names a step lifecycle event.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepSucceeded EventType = "step_succeeded"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"
)

type StepEvent struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id"`
	TraceID string    `json:"trace_id"`
	Index   int       `json:"index"`
	AgentID string    `json:"agent_id"`
	Output  string    `json:"output,omitempty"`
	Error   string    `json:"error,omitempty"`
}
