package handoff

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Session is one transfer of control over a thread. It is persisted as a
// whole after every transition.
type Session struct {
	ID               string          `json:"handoff_id"`
	ThreadID         string          `json:"thread_id"`
	TraceID          string          `json:"trace_id"`
	TaskID           string          `json:"task_id"`
	Tenant           string          `json:"tenant,omitempty"`
	User             string          `json:"user,omitempty"`
	SourceAgentID    string          `json:"source_agent_id"`
	TargetAgentID    string          `json:"target_agent_id"`
	State            State           `json:"state"`
	ContextSummary   string          `json:"context_summary,omitempty"`
	Reason           string          `json:"handoff_reason,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ResultSummary    string          `json:"result_summary,omitempty"`
	Artifacts        []string        `json:"artifacts_created,omitempty"`
	WorkflowState    string          `json:"workflow_state,omitempty"`
	WorkflowMetadata json.RawMessage `json:"workflow_metadata,omitempty"`
	InFlight         bool            `json:"in_flight"`
	Error            string          `json:"error,omitempty"`
}

func (s *Session) Trace() tracing.Trace {
	return tracing.Trace{TraceID: s.TraceID, TaskID: s.TaskID}
}

func (s *Session) clone() *Session {
	c := *s
	c.Artifacts = slices.Clone(s.Artifacts)
	c.WorkflowMetadata = slices.Clone(s.WorkflowMetadata)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// InitiateRequest asks for control of ThreadID to move from SourceAgentID
// to TargetAgentID.
type InitiateRequest struct {
	ThreadID         string          `json:"thread_id"`
	Tenant           string          `json:"tenant,omitempty"`
	User             string          `json:"user,omitempty"`
	SourceAgentID    string          `json:"source_agent_id"`
	TargetAgentID    string          `json:"target_agent_id"`
	ContextSummary   string          `json:"context_summary,omitempty"`
	Reason           string          `json:"handoff_reason,omitempty"`
	WorkflowState    string          `json:"workflow_state,omitempty"`
	WorkflowMetadata json.RawMessage `json:"workflow_metadata,omitempty"`
	// Trace ties the session to the unit of work that decided on it. A new
	// root is created when zero.
	Trace tracing.Trace `json:"-"`
}

// Acceptance confirms that the target agent now owns the thread.
type Acceptance struct {
	HandoffID     string    `json:"handoff_id"`
	ThreadID      string    `json:"thread_id"`
	TargetAgentID string    `json:"target_agent_id"`
	State         State     `json:"state"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

type ReturnStatus string

const (
	ReturnSuccess ReturnStatus = "success"
	ReturnFailure ReturnStatus = "failure"
)

// ReturnRequest hands control back from the target agent.
type ReturnRequest struct {
	Status    ReturnStatus `json:"status"`
	Summary   string       `json:"summary"`
	Artifacts []string     `json:"artifacts,omitempty"`
	Error     string       `json:"error,omitempty"`
}
