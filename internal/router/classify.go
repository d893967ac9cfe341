package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Directory lists the agents messages can go to.
type Directory interface {
	Has(agentID string) bool
	IDs() []string
	AgentDescriptions() map[string]string
}

// PrefixClassifier reads explicit routing prefixes:
//
//	@agent msg          single agent
//	@all msg            fan out to every agent
//	@fanout a,b msg     fan out to a and b
//	@handoff agent msg  hand the thread to agent
//	@pipeline {graph}   run a task graph
//
// Anything else goes to the default agent.
type PrefixClassifier struct {
	Agents Directory
}

func (c PrefixClassifier) Classify(_ context.Context, req ClassifyRequest) (Intent, error) {
	msg := strings.TrimSpace(req.Message)
	if !strings.HasPrefix(msg, "@") {
		return Intent{Kind: KindSingle, Confidence: 1}, nil
	}

	head, rest, _ := strings.Cut(msg, " ")
	rest = strings.TrimSpace(rest)
	name := strings.TrimPrefix(head, "@")

	switch name {
	case "all":
		return Intent{Kind: KindFanOut, Confidence: 1, Targets: c.Agents.IDs(), Message: rest}, nil
	case "fanout":
		list, text, _ := strings.Cut(rest, " ")
		var targets []string
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" && c.Agents.Has(id) {
				targets = append(targets, id)
			}
		}
		return Intent{Kind: KindFanOut, Confidence: 1, Targets: targets, Message: strings.TrimSpace(text)}, nil
	case "handoff":
		target, text, _ := strings.Cut(rest, " ")
		if !c.Agents.Has(target) {
			return Intent{Kind: KindSingle, Confidence: 1, Reason: fmt.Sprintf("unknown handoff target %q", target)}, nil
		}
		return Intent{Kind: KindHandoff, Confidence: 1, Targets: []string{target}, Message: strings.TrimSpace(text),
			Reason: "requested by user"}, nil
	case "pipeline":
		g, err := pipeline.ParseGraph([]byte(rest))
		if err != nil {
			return Intent{}, err
		}
		return Intent{Kind: KindPipeline, Confidence: 1, Graph: g, Message: rest}, nil
	}

	if c.Agents.Has(name) {
		return Intent{Kind: KindSingle, Confidence: 1, Targets: []string{name}, Message: rest}, nil
	}
	// Unknown agent name in prefix: leave the message as is.
	return Intent{Kind: KindSingle, Confidence: 1}, nil
}

// AgentClassifier asks the top-level agent which path to take. Any failure
// falls back to a single-agent intent so routing never stops on it.
type AgentClassifier struct {
	Caller     *agent.Caller
	Agents     Directory
	Agent      string
	Propagator *tracing.Propagator
	// Prefix handles explicit prefixes before the agent is asked.
	Prefix *PrefixClassifier
}

func (c AgentClassifier) Classify(ctx context.Context, req ClassifyRequest) (Intent, error) {
	if c.Prefix != nil && strings.HasPrefix(strings.TrimSpace(req.Message), "@") {
		return c.Prefix.Classify(ctx, req)
	}

	fallback := Intent{Kind: KindSingle, Confidence: 1}
	descs := c.Agents.AgentDescriptions()
	if c.Agent == "" || len(descs) < 2 {
		return fallback, nil
	}

	prop := c.Propagator
	if prop == nil {
		prop = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	// The classifier call belongs to the request's call tree.
	tr := req.Trace
	if tr.IsZero() {
		tr = prop.NewRoot()
	} else {
		child, err := prop.Derive(tr)
		if err != nil {
			fallback.Reason = "no depth left for the classifier"
			return fallback, nil
		}
		tr = child
	}
	out, err := c.Caller.Call(ctx, c.Agent, agent.NewRequest(tr, buildClassifyPrompt(descs, req.Message)))
	if err != nil {
		fallback.Reason = "classifier unavailable"
		return fallback, nil
	}

	in, err := parseIntent(out)
	if err != nil {
		fallback.Reason = "classifier answer unreadable"
		return fallback, nil
	}
	var known []string
	for _, id := range in.Targets {
		if c.Agents.Has(id) {
			known = append(known, id)
		}
	}
	in.Targets = known
	return in, nil
}

// parseIntent extracts the first JSON object from an agent's answer.
func parseIntent(out string) (Intent, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return Intent{}, fmt.Errorf("no JSON object in classifier answer")
	}
	var raw struct {
		Intent
		Graph json.RawMessage `json:"graph"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &raw); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	in := raw.Intent
	if len(raw.Graph) > 0 && string(raw.Graph) != "null" {
		g, err := pipeline.ParseGraph(raw.Graph)
		if err != nil {
			return Intent{}, fmt.Errorf("decode intent graph: %w", err)
		}
		in.Graph = g
	}
	switch in.Kind {
	case KindSingle, KindFanOut, KindPipeline, KindHandoff:
	default:
		return Intent{}, fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Intent{}, fmt.Errorf("confidence %v out of range", in.Confidence)
	}
	return in, nil
}

func buildClassifyPrompt(descs map[string]string, message string) string {
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("You are a message router. Decide how the user's message should be handled.\n\n")
	sb.WriteString("Available agents:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, descs[name])
	}
	sb.WriteString("\nUser message: ")
	sb.WriteString(message)
	sb.WriteString("\n\nRespond with ONLY a JSON object: ")
	sb.WriteString(`{"kind": "single|fan_out|pipeline|handoff", "confidence": 0.0-1.0, "targets": ["agent"], "reason": "..."}`)
	sb.WriteString("\n\nFor kind pipeline also include a task graph: ")
	sb.WriteString(`"graph": {"mode": "sequential|parallel", "on_partial_success": "fail|continue|best_effort", `)
	sb.WriteString(`"steps": [{"agent_id": "agent", "task_description": "...", "input_from": ["key"], "output_to": "key", "required": true}]}`)
	return sb.String()
}
