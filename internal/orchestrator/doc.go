// Package orchestrator drives one item-generation run through its phases.
//
// # Overview
//
// A run moves through a fixed sequence of phases:
//
//	research → generation → review → approval → revision → done
//
// and loops from revision back to generation for the items that are still
// active. Items kept by the scoring gate or by an approver are frozen and
// never regenerated.
//
// # Key Components
//
// ## Transition
//
// Transition is the pure routing function. Given the current phase, the
// revision counter and whether every item is frozen, it returns a NextStep:
// run a node, run the review stage, suspend for approval, or terminate with
// an Outcome.
//
// ## Dispatcher
//
// The Dispatcher owns the RunState for the lifetime of a run. It asks
// Transition where to go, hands a read-only RunView to the selected Node and
// applies the returned Patch. Only the dispatcher goroutine mutates state, so
// the message log keeps causal order.
//
// ## Suspend and Resume
//
// In human mode the dispatcher checkpoints the run before approval and
// returns an ApprovalRequest. Resume verifies the checkpoint checksum, screens
// the reviewer note for prompt injection and continues the loop.
//
// # Usage Example
//
//	d := orchestrator.NewDispatcher(orchestrator.Nodes{
//		Research:   researchNode,
//		Generation: writer,
//		Review:     reviewStage,
//	}, st, orchestrator.WithScreen(gate), orchestrator.WithLogger(logger))
//
//	state := orchestrator.NewRunState(runID, callerID, c, orchestrator.ModeHuman, 3, 8)
//	res, err := d.Run(ctx, state)
//	if res.Approval != nil {
//		// show res.Approval, then
//		res, err = d.Resume(ctx, runID, response)
//	}
package orchestrator
