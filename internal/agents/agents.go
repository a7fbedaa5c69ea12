// Package agents implements the pipeline workers: web research, item
// writing, the three reviewers with their meta editor, and the LewMod
// automated approver.
//
// Every worker talks to its models through a Caller, normally a
// *reliability.Invoker built from the agent's provider chain, and parses
// structured output through a Fixer. Workers implement orchestrator.Node
// and never mutate run state directly:
//
//	nodes := orchestrator.Nodes{
//	    Research:   agents.NewResearchNode(researcher),
//	    Generation: agents.NewWriter(writerAgent, fixer, st),
//	    Review:     agents.NewReviewStage(reviewers, fixer, thresholds),
//	    Approval:   agents.NewLewMod(lewmodAgent, fixer),
//	}
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
)

// Caller performs one completion. *reliability.Invoker implements it.
type Caller interface {
	Call(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Agent is one configured model role.
type Agent struct {
	Name        string
	Caller      Caller
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewAgent binds resolved agent settings to a caller.
func NewAgent(r config.ResolvedAgent, c Caller) Agent {
	return Agent{
		Name:        r.Name,
		Caller:      c,
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
}

func (a Agent) request(system, prompt string) provider.Request {
	return provider.Request{
		Model:       a.Model,
		System:      system,
		Prompt:      prompt,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}
}

// formatItems renders items as a numbered list, one per line.
func formatItems(items []orchestrator.WorkItem) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", it.Number, strings.TrimSpace(it.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

// scoreDigest renders the gate verdict of each scored item.
func scoreDigest(items []orchestrator.WorkItem) string {
	var b strings.Builder
	for _, it := range items {
		if it.Score == nil {
			continue
		}
		sc := it.Score
		fmt.Fprintf(&b, "Item %d: decision=%s c_value=%.2f d_value=%.2f bias_score=%d ling_min=%d\n  reason: %s\n",
			it.Number, sc.Decision, sc.ContentValidity, sc.Distinctiveness, sc.Bias, sc.LingMin, sc.Reason)
		if fb := strings.TrimSpace(it.Feedback); fb != "" && fb != sc.Reason {
			fmt.Fprintf(&b, "  feedback: %s\n", strings.ReplaceAll(fb, "\n", " | "))
		}
	}
	if b.Len() == 0 {
		return "No item-level review available."
	}
	return strings.TrimRight(b.String(), "\n")
}

// numberSet returns the sorted unique numbers from ns that are in allowed.
func numberSet(ns []int, allowed map[int]bool) []int {
	seen := make(map[int]bool, len(ns))
	out := make([]int, 0, len(ns))
	for _, n := range ns {
		if allowed[n] && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
