package router

import (
	"context"

	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Kind is the coordination path a classifier proposes.
type Kind string

const (
	KindSingle   Kind = "single"
	KindFanOut   Kind = "fan_out"
	KindPipeline Kind = "pipeline"
	KindHandoff  Kind = "handoff"
)

// Intent is a classifier's proposal. Confidence is in [0, 1].
type Intent struct {
	Kind       Kind            `json:"kind"`
	Confidence float64         `json:"confidence"`
	Targets    []string        `json:"targets,omitempty"`
	Graph      *pipeline.Graph `json:"graph,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	// Message replaces the user's message when set, e.g. with a routing
	// prefix removed.
	Message string `json:"message,omitempty"`
}

type ClassifyRequest struct {
	ThreadID string
	Message  string
	History  []store.Message
	// Trace is the request's trace. Agent calls made while classifying
	// derive from it.
	Trace tracing.Trace
}

// Classifier proposes how to handle a message. Implementations may be wrong;
// Decide has the final word.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Intent, error)
}

// Thresholds are the minimum confidences for the multi-agent paths.
type Thresholds struct {
	FanOut  float64
	Handoff float64
}

// Decision is the path a message takes.
type Decision struct {
	Path    Kind
	Targets []string
	Graph   *pipeline.Graph
	Message string
	Reason  string
}

// Decide turns an intent into a decision. Anything not confident or
// complete enough for its kind runs on a single agent: the intent's first
// target, or defaultAgent.
func Decide(in Intent, th Thresholds, message, defaultAgent string) Decision {
	if in.Message != "" {
		message = in.Message
	}
	single := func(reason string) Decision {
		target := defaultAgent
		if len(in.Targets) > 0 && in.Targets[0] != "" {
			target = in.Targets[0]
		}
		return Decision{Path: KindSingle, Targets: []string{target}, Message: message, Reason: reason}
	}

	switch in.Kind {
	case KindHandoff:
		if in.Confidence >= th.Handoff && len(in.Targets) == 1 {
			return Decision{Path: KindHandoff, Targets: in.Targets, Message: message, Reason: in.Reason}
		}
		return single("handoff not confident enough")
	case KindFanOut:
		if in.Confidence >= th.FanOut && len(in.Targets) >= 2 {
			return Decision{Path: KindFanOut, Targets: in.Targets, Message: message, Reason: in.Reason}
		}
		return single("fan-out not confident enough")
	case KindPipeline:
		if in.Confidence >= th.FanOut && in.Graph != nil && len(in.Graph.Steps) > 0 {
			return Decision{Path: KindPipeline, Graph: in.Graph, Message: message, Reason: in.Reason}
		}
		return single("pipeline not confident enough")
	}
	return single(in.Reason)
}
