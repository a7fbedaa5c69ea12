package orchestrator

// StepKind tags a NextStep.
type StepKind int

const (
	StepNode StepKind = iota
	StepStage
	StepSuspend
	StepTerminate
)

func (k StepKind) String() string {
	switch k {
	case StepNode:
		return "node"
	case StepStage:
		return "stage"
	case StepSuspend:
		return "suspend"
	case StepTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Node names used for routing.
const (
	NodeResearch   = "research"
	NodeGeneration = "generation"
	NodeReview     = "review"
	NodeApproval   = "approval"
)

// NextStep is the routing decision for one dispatcher iteration.
//
// Phase is the phase the step runs in. Node is set for StepNode and
// StepStage. Outcome is set for StepTerminate.
type NextStep struct {
	Kind    StepKind
	Phase   Phase
	Node    string
	Outcome Outcome
}

// Transition decides the next step. It is pure and defined for every input;
// unknown phases terminate the run as failed.
//
// StepSuspend hands control to the approver. A dispatcher running in auto
// mode answers it with its approval node instead of suspending.
func Transition(phase Phase, revisionCount, maxRevisions int, allFrozen bool) NextStep {
	switch phase {
	case PhaseResearch:
		return NextStep{Kind: StepNode, Phase: PhaseResearch, Node: NodeResearch}
	case PhaseGeneration:
		return NextStep{Kind: StepNode, Phase: PhaseGeneration, Node: NodeGeneration}
	case PhaseReview:
		if allFrozen {
			return NextStep{Kind: StepSuspend, Phase: PhaseApproval, Node: NodeApproval}
		}
		return NextStep{Kind: StepStage, Phase: PhaseReview, Node: NodeReview}
	case PhaseApproval:
		return NextStep{Kind: StepSuspend, Phase: PhaseApproval, Node: NodeApproval}
	case PhaseRevision:
		// Nothing left to revise: the run is approved even in its last round.
		if allFrozen {
			return NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeApproved}
		}
		if revisionCount >= maxRevisions {
			return NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeMaxRevisions}
		}
		return NextStep{Kind: StepNode, Phase: PhaseRevision, Node: NodeGeneration}
	case PhaseDone:
		return NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeApproved}
	default:
		return NextStep{Kind: StepTerminate, Phase: PhaseDone, Outcome: OutcomeFailed}
	}
}
