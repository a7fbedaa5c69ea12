package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

// Phase is a step of the run lifecycle.
type Phase string

const (
	// PhaseResearch gathers background on the construct
	PhaseResearch Phase = "research"

	// PhaseGeneration writes the initial item pool
	PhaseGeneration Phase = "generation"

	// PhaseReview runs the reviewers and the scoring gate
	PhaseReview Phase = "review"

	// PhaseApproval waits for a human or automated approver
	PhaseApproval Phase = "approval"

	// PhaseRevision rewrites the items that are still active
	PhaseRevision Phase = "revision"

	// PhaseDone is terminal
	PhaseDone Phase = "done"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseResearch, PhaseGeneration, PhaseReview, PhaseApproval, PhaseRevision, PhaseDone}
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeApproved          Outcome = "approved"
	OutcomeMaxRevisions      Outcome = "max_revisions"
	OutcomeRejectedInjection Outcome = "rejected_injection"
	OutcomeFailed            Outcome = "failed"
)

// Mode selects who approves a round.
type Mode string

const (
	ModeHuman Mode = "human"
	ModeAuto  Mode = "auto"
)

// Suspension tracks whether the run is waiting for approval.
type Suspension string

const (
	SuspensionRunning   Suspension = "running"
	SuspensionSuspended Suspension = "suspended"
	SuspensionResumed   Suspension = "resumed"
)

// WorkItem is one test item. A frozen item's text and score never change.
type WorkItem struct {
	Number   int                `json:"number"`
	Text     string             `json:"text"`
	Frozen   bool               `json:"frozen"`
	Score    *scoring.ScoreCard `json:"score,omitempty"`
	Feedback string             `json:"feedback,omitempty"`
}

// RunState is the full state of one run. It is owned by the Dispatcher.
type RunState struct {
	ID              string              `json:"id"`
	CallerID        string              `json:"caller_id"`
	Construct       construct.Construct `json:"construct"`
	Fingerprint     string              `json:"fingerprint"`
	Mode            Mode                `json:"mode"`
	Phase           Phase               `json:"phase"`
	Round           int                 `json:"round"`
	MaxRevisions    int                 `json:"max_revisions"`
	NumItems        int                 `json:"num_items"`
	Items           []WorkItem          `json:"items"`
	Messages        []string            `json:"messages"`
	ResearchSummary string              `json:"research_summary,omitempty"`
	ReviewSummary   string              `json:"review_summary,omitempty"`
	LastReview      *ReviewBatch        `json:"last_review,omitempty"`
	Note            string              `json:"note,omitempty"`
	Suspension      Suspension          `json:"suspension"`
	CheckpointID    string              `json:"checkpoint_id,omitempty"`
	Outcome         Outcome             `json:"outcome,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
}

// NewRunState creates a run positioned at the research phase.
func NewRunState(id, callerID string, c construct.Construct, mode Mode, maxRevisions, numItems int) *RunState {
	if mode == "" {
		mode = ModeHuman
	}
	return &RunState{
		ID:           id,
		CallerID:     callerID,
		Construct:    c,
		Fingerprint:  c.Fingerprint(),
		Mode:         mode,
		Phase:        PhaseResearch,
		MaxRevisions: maxRevisions,
		NumItems:     numItems,
		Suspension:   SuspensionRunning,
		StartedAt:    time.Now().UTC(),
	}
}

// Item returns the item with number n.
func (s RunState) Item(n int) (WorkItem, bool) {
	for _, it := range s.Items {
		if it.Number == n {
			return it, true
		}
	}
	return WorkItem{}, false
}

// ActiveItems returns the unfrozen items in number order.
func (s RunState) ActiveItems() []WorkItem {
	var out []WorkItem
	for _, it := range s.Items {
		if !it.Frozen {
			out = append(out, it)
		}
	}
	return out
}

// ActiveNumbers returns the numbers of the unfrozen items.
func (s RunState) ActiveNumbers() []int {
	var out []int
	for _, it := range s.Items {
		if !it.Frozen {
			out = append(out, it.Number)
		}
	}
	return out
}

// FrozenNumbers returns the numbers of the frozen items.
func (s RunState) FrozenNumbers() []int {
	var out []int
	for _, it := range s.Items {
		if it.Frozen {
			out = append(out, it.Number)
		}
	}
	return out
}

// AllFrozen reports whether there is at least one item and none is active.
func (s RunState) AllFrozen() bool {
	if len(s.Items) == 0 {
		return false
	}
	for _, it := range s.Items {
		if !it.Frozen {
			return false
		}
	}
	return true
}

// View returns a deep copy for nodes to read.
func (s *RunState) View() RunView {
	return RunView{RunState: s.clone()}
}

func (s *RunState) clone() RunState {
	c := *s
	c.Items = make([]WorkItem, len(s.Items))
	for i, it := range s.Items {
		if it.Score != nil {
			sc := *it.Score
			it.Score = &sc
		}
		c.Items[i] = it
	}
	c.Messages = append([]string(nil), s.Messages...)
	if s.LastReview != nil {
		lr := *s.LastReview
		lr.Meta.Items = append([]scoring.ItemReview(nil), s.LastReview.Meta.Items...)
		c.LastReview = &lr
	}
	c.Construct.Dimensions = append([]construct.Dimension(nil), s.Construct.Dimensions...)
	return c
}

func (s *RunState) logf(format string, args ...interface{}) {
	s.Messages = append(s.Messages, fmt.Sprintf(format, args...))
}

func (s *RunState) item(n int) *WorkItem {
	for i := range s.Items {
		if s.Items[i].Number == n {
			return &s.Items[i]
		}
	}
	return nil
}

func (s *RunState) sortItems() {
	sort.Slice(s.Items, func(i, j int) bool { return s.Items[i].Number < s.Items[j].Number })
}

// RunView is the read-only copy of a RunState handed to nodes. Changes to
// it are never seen by the dispatcher; nodes report changes in a Patch.
type RunView struct {
	RunState
}

// Draft is one generated item text. Number is zero when the writer did not
// number its output.
type Draft struct {
	Number int    `json:"number,omitempty"`
	Text   string `json:"text"`
}

// ReviewBatch is the output of one review stage. Only Summary outlives the
// round in the message log.
type ReviewBatch struct {
	Content    string             `json:"content"`
	Linguistic string             `json:"linguistic"`
	Bias       string             `json:"bias"`
	Editor     string             `json:"editor"`
	Meta       scoring.MetaReview `json:"meta"`
}

// Summary returns the decision counts and the editor synthesis.
func (b ReviewBatch) Summary() string {
	counts := b.Meta.Counts()
	s := fmt.Sprintf("KEEP=%d REVISE=%d DISCARD=%d",
		counts[scoring.Keep], counts[scoring.Revise], counts[scoring.Discard])
	if syn := strings.TrimSpace(b.Meta.Synthesis); syn != "" {
		s += ": " + syn
	}
	return s
}

// Patch is the change a node asks the dispatcher to apply. Nil fields are
// left untouched.
type Patch struct {
	Phase           *Phase
	ResearchSummary *string
	Drafts          []Draft
	Review          *ReviewBatch
	Approval        *ApprovalResponse
	ApprovalSource  string
	Messages        []string
	RoundDelta      int
}

// PhaseOf returns a pointer to p for use in a Patch.
func PhaseOf(p Phase) *Phase { return &p }

// Report is the final listing of kept items in number order.
type Report struct {
	RunID   string     `json:"run_id"`
	Outcome Outcome    `json:"outcome"`
	Rounds  int        `json:"rounds"`
	Items   []WorkItem `json:"items"`
}

// BuildReport lists the frozen items of s.
func BuildReport(s *RunState) Report {
	r := Report{RunID: s.ID, Outcome: s.Outcome, Rounds: s.Round + 1}
	for _, it := range s.Items {
		if it.Frozen {
			r.Items = append(r.Items, it)
		}
	}
	sort.Slice(r.Items, func(i, j int) bool { return r.Items[i].Number < r.Items[j].Number })
	return r
}
