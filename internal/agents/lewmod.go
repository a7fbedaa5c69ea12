package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

// SourceLewMod labels feedback recorded by the automated approver.
const SourceLewMod = "lewmod"

const lewmodSchema = `{"decision":"APPROVE|REVISE","feedback":"string","keep":["integer"],"revise":["integer"],"discard":["integer"]}`

type lewmodOutput struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
	Keep     []int  `json:"keep"`
	Revise   []int  `json:"revise"`
	Discard  []int  `json:"discard"`
}

func (o *lewmodOutput) check() error {
	o.Decision = strings.ToUpper(strings.TrimSpace(o.Decision))
	if o.Decision != "APPROVE" && o.Decision != "REVISE" {
		return fmt.Errorf("decision must be APPROVE or REVISE, got %q", o.Decision)
	}
	return nil
}

// decisions maps the keep, revise and discard lists onto active item
// numbers. DISCARD becomes REVISE, since the writer replaces discarded
// items in the revision round. Later lists win for repeated numbers.
func (o lewmodOutput) decisions(active []int) map[int]string {
	allowed := make(map[int]bool, len(active))
	for _, n := range active {
		allowed[n] = true
	}
	out := make(map[int]string)
	for _, n := range numberSet(o.Keep, allowed) {
		out[n] = string(scoring.Keep)
	}
	for _, n := range numberSet(o.Revise, allowed) {
		out[n] = string(scoring.Revise)
	}
	for _, n := range numberSet(o.Discard, allowed) {
		out[n] = string(scoring.Revise)
	}
	return out
}

// LewMod is the automated approver used instead of a human in auto mode.
type LewMod struct {
	agent  Agent
	fixer  *Fixer
	logger *logging.Logger
}

// NewLewMod creates the approval node. logger may be nil.
func NewLewMod(a Agent, f *Fixer, logger *logging.Logger) *LewMod {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LewMod{agent: a, fixer: f, logger: logger}
}

func (l *LewMod) Name() string { return orchestrator.NodeApproval }

// Execute implements orchestrator.Node. With no active items left it
// approves without calling the model.
func (l *LewMod) Execute(ctx context.Context, view orchestrator.RunView) (*orchestrator.Patch, error) {
	active := view.ActiveItems()
	if len(active) == 0 {
		l.logger.Info(ctx, "lewmod auto-approve, no active items")
		return &orchestrator.Patch{
			Approval:       &orchestrator.ApprovalResponse{Approve: true, Note: "No active items left. Auto-approved."},
			ApprovalSource: SourceLewMod,
			Messages:       []string{"[LewMod] No active items left. Auto-approving."},
		}, nil
	}

	prompt := fmt.Sprintf(lewmodTask, view.Round, formatItems(active), scoreDigest(active))
	out, _, err := CallJSON[lewmodOutput](ctx, l.fixer, l.agent, l.agent.request(lewmodSystem, prompt), lewmodSchema)
	if err != nil {
		return nil, orchestrator.Fail(orchestrator.NodeApproval, err, "")
	}
	feedback := strings.TrimSpace(out.Feedback)
	l.logger.Info(ctx, "lewmod decided",
		zap.String("decision", out.Decision), zap.Int("round", view.Round))

	if out.Decision == "APPROVE" {
		return &orchestrator.Patch{
			Approval:       &orchestrator.ApprovalResponse{Approve: true, Note: feedback},
			ApprovalSource: SourceLewMod,
			Messages:       []string{fmt.Sprintf("[LewMod] Approved items after %d revision(s)", view.Round)},
		}, nil
	}
	return &orchestrator.Patch{
		Approval: &orchestrator.ApprovalResponse{
			Decisions: out.decisions(view.ActiveNumbers()),
			Note:      feedback,
		},
		ApprovalSource: SourceLewMod,
		RoundDelta:     1,
		Messages:       []string{fmt.Sprintf("[LewMod] Revision requested (round %d)", view.Round+1)},
	}, nil
}
