package pipeline

import (
	"fmt"
	"strings"
)

// AgentSet tells the validator which agent ids exist.
type AgentSet interface {
	Has(agentID string) bool
}

// ValidationError lists everything wrong with a graph. It is returned before
// any step runs.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid task graph: " + strings.Join(e.Problems, "; ")
}

// Validate checks the graph's shape and, when agents is non-nil, that every
// step names a known agent.
func (g *Graph) Validate(agents AgentSet) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch g.Mode {
	case ModeSequential, ModeParallel:
	default:
		addf("unknown mode %q", g.Mode)
	}
	switch g.OnPartialSuccess {
	case PolicyFail, PolicyContinue, PolicyBestEffort:
	default:
		addf("unknown partial-success policy %q", g.OnPartialSuccess)
	}
	if len(g.Steps) == 0 {
		addf("graph has no steps")
	}

	producers := make(map[string]int) // output key -> step index
	for i, s := range g.Steps {
		if s.AgentID == "" {
			addf("step %d: missing agent_id", i)
		} else if agents != nil && !agents.Has(s.AgentID) {
			addf("step %d: unknown agent %q", i, s.AgentID)
		}
		for _, k := range s.InputFrom {
			if k == "" {
				addf("step %d: empty input_from key", i)
			}
		}
		if s.OutputTo == "" {
			continue
		}
		if prev, ok := producers[s.OutputTo]; ok && g.Mode == ModeParallel {
			addf("steps %d and %d both write %q in parallel mode", prev, i, s.OutputTo)
		}
		producers[s.OutputTo] = i
	}

	// Parallel steps have no order, so one cannot consume another's output.
	if g.Mode == ModeParallel {
		for i, s := range g.Steps {
			for _, k := range s.InputFrom {
				if j, ok := producers[k]; ok {
					addf("step %d reads %q written by step %d; parallel steps cannot depend on each other", i, k, j)
				}
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
