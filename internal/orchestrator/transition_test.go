package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name      string
		phase     Phase
		round     int
		max       int
		allFrozen bool
		want      NextStep
	}{
		{"research", PhaseResearch, 0, 3, false, NextStep{Kind: StepNode, Phase: PhaseResearch, Node: NodeResearch}},
		{"generation", PhaseGeneration, 0, 3, false, NextStep{Kind: StepNode, Phase: PhaseGeneration, Node: NodeGeneration}},
		{"review", PhaseReview, 0, 3, false, NextStep{Kind: StepStage, Phase: PhaseReview, Node: NodeReview}},
		{"review with all frozen skips to approval", PhaseReview, 1, 3, true, NextStep{Kind: StepSuspend, Phase: PhaseApproval, Node: NodeApproval}},
		{"approval", PhaseApproval, 0, 3, false, NextStep{Kind: StepSuspend, Phase: PhaseApproval, Node: NodeApproval}},
		{"revision loops to generation", PhaseRevision, 1, 3, false, NextStep{Kind: StepNode, Phase: PhaseRevision, Node: NodeGeneration}},
		{"revision with all frozen", PhaseRevision, 1, 3, true, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeApproved}},
		{"revision at max", PhaseRevision, 3, 3, false, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeMaxRevisions}},
		{"revision past max", PhaseRevision, 5, 3, false, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeMaxRevisions}},
		{"all frozen at max is approved", PhaseRevision, 3, 3, true, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeApproved}},
		{"zero max revisions", PhaseRevision, 0, 0, false, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeMaxRevisions}},
		{"done", PhaseDone, 2, 3, true, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeApproved}},
		{"unknown phase", Phase("bogus"), 0, 3, false, NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.phase, tt.round, tt.max, tt.allFrozen))
		})
	}
}

func TestTransition_EveryPhaseRoutes(t *testing.T) {
	for _, p := range AllPhases() {
		for _, frozen := range []bool{false, true} {
			step := Transition(p, 0, 2, frozen)
			assert.NotEmpty(t, step.Phase, "phase %s", p)
			if step.Kind == StepTerminate {
				assert.NotEmpty(t, step.Outcome, "phase %s", p)
			} else {
				assert.NotEmpty(t, step.Node, "phase %s", p)
			}
		}
	}
}

func TestStepKind_String(t *testing.T) {
	assert.Equal(t, "node", StepNode.String())
	assert.Equal(t, "stage", StepStage.String())
	assert.Equal(t, "suspend", StepSuspend.String())
	assert.Equal(t, "terminate", StepTerminate.String())
	assert.Equal(t, "unknown", StepKind(42).String())
}
