package orchestrator

import "context"

// Node is one worker in the pipeline. Execute must not retain view.
type Node interface {
	Name() string
	Execute(ctx context.Context, view RunView) (*Patch, error)
}

// NodeFunc adapts a function to Node.
type NodeFunc struct {
	ID string
	Fn func(ctx context.Context, view RunView) (*Patch, error)
}

func (n *NodeFunc) Name() string { return n.ID }

func (n *NodeFunc) Execute(ctx context.Context, view RunView) (*Patch, error) {
	return n.Fn(ctx, view)
}

// Nodes are the workers a Dispatcher routes to. Research is optional.
// Approval is required for runs in ModeAuto.
type Nodes struct {
	Research   Node
	Generation Node
	Review     Node
	Approval   Node
}

func (n Nodes) byName(name string) Node {
	switch name {
	case NodeResearch:
		return n.Research
	case NodeGeneration:
		return n.Generation
	case NodeReview:
		return n.Review
	case NodeApproval:
		return n.Approval
	default:
		return nil
	}
}
