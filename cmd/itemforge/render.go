package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scheduler"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	itemStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

var decisionStyles = map[scoring.Decision]lipgloss.Style{
	scoring.Keep:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
	scoring.Revise:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
	scoring.Discard: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
}

func renderDecision(d scoring.Decision) string {
	style, ok := decisionStyles[d]
	if !ok {
		return string(d)
	}
	return style.Render(string(d))
}

func renderPhase(run scheduler.Run) string {
	return phaseStyle.Render(fmt.Sprintf("> %s (round %d of %d)", run.Phase, run.Round+1, run.MaxRevisions+1))
}

func renderScore(sc *scoring.ScoreCard) string {
	if sc == nil {
		return mutedStyle.Render("not scored")
	}
	return fmt.Sprintf("%s  c=%.2f d=%.2f ling=%d bias=%d  %s",
		renderDecision(sc.Decision), sc.ContentValidity, sc.Distinctiveness,
		sc.LingMin, sc.Bias, mutedStyle.Render(sc.Reason))
}

// renderApproval shows the active items of a suspended run.
func renderApproval(req *orchestrator.ApprovalRequest) string {
	var b strings.Builder
	title := "Approval needed"
	if req.Progress != "" {
		title += ": " + req.Progress
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	if len(req.FrozenNumbers) > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("Already kept: %s", joinInts(req.FrozenNumbers))))
		b.WriteString("\n")
	}
	if len(req.ActiveItems) == 0 {
		b.WriteString(mutedStyle.Render("No items are waiting for a decision."))
		b.WriteString("\n")
	}
	for _, it := range req.ActiveItems {
		body := fmt.Sprintf("%s %s\n%s", labelStyle.Render(fmt.Sprintf("#%d", it.Number)), it.Text, renderScore(it.Score))
		if it.Feedback != "" {
			body += "\n" + mutedStyle.Render(it.Feedback)
		}
		b.WriteString(itemStyle.Render(body))
		b.WriteString("\n")
	}
	if req.FeedbackSummary != "" {
		b.WriteString(labelStyle.Render("Reviewer summary"))
		b.WriteString("\n")
		b.WriteString(req.FeedbackSummary)
		b.WriteString("\n")
	}
	return b.String()
}

// renderResult shows the final report, or why the run stopped.
func renderResult(run scheduler.Run) string {
	var b strings.Builder
	switch run.Status {
	case scheduler.StatusDone:
		b.WriteString(titleStyle.Render(fmt.Sprintf("Run %s finished: %s", run.ID, run.Outcome)))
	default:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Run %s %s", run.ID, run.Status)))
		if run.Error != "" {
			b.WriteString("\n")
			b.WriteString(run.Error)
		}
	}
	b.WriteString("\n")
	if run.Report == nil {
		return b.String()
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d items after %d rounds", len(run.Report.Items), run.Report.Rounds)))
	b.WriteString("\n")
	for _, it := range run.Report.Items {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%3d.", it.Number)), it.Text)
	}
	return b.String()
}

func renderPresets() string {
	var b strings.Builder
	for _, name := range construct.PresetNames() {
		c, err := construct.Preset(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s  %s\n", labelStyle.Render(name), c.Name)
		for _, d := range c.Dimensions {
			fmt.Fprintf(&b, "  %s\n", mutedStyle.Render("- "+d.Name))
		}
	}
	return b.String()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
