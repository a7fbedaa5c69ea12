package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/research"
)

const researchSchema = `{"research_summary":"string","key_points":["string"],"sources":["string"]}`

type researchOutput struct {
	Summary   string   `json:"research_summary"`
	KeyPoints []string `json:"key_points"`
	Sources   []string `json:"sources"`
}

func (o *researchOutput) check() error {
	if strings.TrimSpace(o.Summary) == "" {
		return errors.New("research_summary is empty")
	}
	return nil
}

func (o researchOutput) render() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(o.Summary))
	if len(o.KeyPoints) > 0 {
		b.WriteString("\n\nKey points:")
		for _, p := range o.KeyPoints {
			b.WriteString("\n- " + strings.TrimSpace(p))
		}
	}
	if len(o.Sources) > 0 {
		b.WriteString("\n\nSources:")
		for _, s := range o.Sources {
			b.WriteString("\n- " + strings.TrimSpace(s))
		}
	}
	return b.String()
}

// WebSurfer condenses search output into a research summary. It implements
// research.Summarizer.
type WebSurfer struct {
	Agent Agent
	Fixer *Fixer
}

// Summarize implements research.Summarizer.
func (w *WebSurfer) Summarize(ctx context.Context, c construct.Construct, raw string) (string, error) {
	req := w.Agent.request(webSurferSystem,
		fmt.Sprintf(webSurferTask, c.Name, c.Definition, c.DimensionBlocks(), raw))
	out, _, err := CallJSON[researchOutput](ctx, w.Fixer, w.Agent, req, researchSchema)
	if err != nil {
		return "", err
	}
	return out.render(), nil
}

var _ research.Summarizer = (*WebSurfer)(nil)

// ResearchNode runs a Researcher for the run's construct.
type ResearchNode struct {
	researcher *research.Researcher
}

// NewResearchNode wraps r as the research node.
func NewResearchNode(r *research.Researcher) *ResearchNode {
	return &ResearchNode{researcher: r}
}

func (n *ResearchNode) Name() string { return orchestrator.NodeResearch }

// Execute implements orchestrator.Node.
func (n *ResearchNode) Execute(ctx context.Context, view orchestrator.RunView) (*orchestrator.Patch, error) {
	out, err := n.researcher.Research(ctx, view.Construct)
	if err != nil {
		return nil, orchestrator.Fail(orchestrator.NodeResearch, err, "")
	}
	msg := "[Research] Summary ready"
	if out.Cached {
		msg = "[Research] Using cached summary"
	}
	summary := out.Summary
	return &orchestrator.Patch{
		ResearchSummary: &summary,
		Messages:        []string{msg},
	}, nil
}
