package orchestration

import (
	"context"
	"fmt"
	"strings"
)

// NoResponses is the synthesized text when every sub-agent failed.
const NoResponses = "No agent was able to respond."

// Synthesizer turns sub-agent results into one reply.
type Synthesizer interface {
	Synthesize(ctx context.Context, message string, results []SubAgentResult) (string, error)
}

// ConcatSynthesizer joins successful responses in result order, each under a
// heading naming its agent.
type ConcatSynthesizer struct{}

func (ConcatSynthesizer) Synthesize(_ context.Context, _ string, results []SubAgentResult) (string, error) {
	var ok []SubAgentResult
	for _, r := range results {
		if r.Success {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return NoResponses, nil
	}

	var sb strings.Builder
	for i, r := range ok {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### %s\n\n%s", r.AgentID, strings.TrimSpace(r.Response))
	}
	return sb.String(), nil
}
