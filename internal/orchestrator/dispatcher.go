package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/events"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/itemforge/internal/orchestrator"

// Result is what a call to Run or Resume produced. Exactly one of Approval
// and Report is set unless an error is returned.
type Result struct {
	State    *RunState
	Approval *ApprovalRequest
	Report   *Report
	Message  string
}

// Suspended reports whether the run is waiting for approval.
func (r *Result) Suspended() bool { return r != nil && r.Approval != nil }

// Dispatcher drives runs through their phases.
type Dispatcher struct {
	nodes  Nodes
	store  store.Store
	screen Screen
	events events.Publisher
	logger *logging.Logger
	tracer trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithScreen sets the injection screen applied to reviewer notes.
func WithScreen(s Screen) Option {
	return func(d *Dispatcher) { d.screen = s }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// NewDispatcher creates a dispatcher. Generation and Review nodes and a
// store are required.
func NewDispatcher(nodes Nodes, st store.Store, opts ...Option) (*Dispatcher, error) {
	if nodes.Generation == nil || nodes.Review == nil {
		return nil, errors.New("generation and review nodes are required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	d := &Dispatcher{
		nodes:  nodes,
		store:  st,
		events: events.Nop{},
		logger: logging.Nop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run drives s until it terminates, suspends for approval or fails. Fatal
// errors are returned as *RunError together with the final state.
func (d *Dispatcher) Run(ctx context.Context, s *RunState) (*Result, error) {
	ctx = logging.WithCallerID(logging.WithRunID(ctx, s.ID), s.CallerID)
	ctx, span := d.tracer.Start(ctx, "dispatcher.run", trace.WithAttributes(
		attribute.String("run.id", s.ID),
		attribute.String("run.mode", string(s.Mode)),
		attribute.String("run.phase", string(s.Phase)),
		attribute.Int("run.round", s.Round),
	))
	defer span.End()

	res, err := d.loop(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("run.outcome", string(s.Outcome)))
	return res, err
}

func (d *Dispatcher) loop(ctx context.Context, s *RunState) (*Result, error) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Warn(ctx, "run interrupted", zap.String("phase", string(s.Phase)), zap.Error(ctx.Err()))
			return &Result{State: s}, d.runError(s, ctx.Err())
		default:
		}

		step := Transition(s.Phase, s.Round, s.MaxRevisions, s.AllFrozen())
		d.route(ctx, s, step)

		switch step.Kind {
		case StepTerminate:
			return d.finish(ctx, s, step.Outcome), nil

		case StepSuspend:
			s.Phase = PhaseApproval
			if s.Mode != ModeAuto {
				return d.suspend(ctx, s)
			}
			if d.nodes.Approval == nil {
				return d.fail(ctx, s, errors.New("auto approval requested but no approval node is configured"))
			}
			if err := d.runNode(ctx, s, step); err != nil {
				return d.fail(ctx, s, err)
			}

		default:
			if step.Node == NodeResearch && d.nodes.Research == nil {
				s.logf("[Research] Skipped: no research node configured")
				s.Phase = PhaseGeneration
				continue
			}
			if err := d.runNode(ctx, s, step); err != nil {
				if step.Node == NodeResearch && ctx.Err() == nil {
					d.logger.Warn(ctx, "research failed, continuing without summary", zap.Error(err))
					s.logf("[Research] Degraded: %v", err)
					s.Phase = PhaseGeneration
					continue
				}
				return d.fail(ctx, s, err)
			}
		}
	}
}

// route logs the routing decision and publishes a phase event.
func (d *Dispatcher) route(ctx context.Context, s *RunState, step NextStep) {
	d.logger.Info(ctx, "critic_route",
		zap.String("from", string(s.Phase)),
		zap.String("to", string(step.Phase)),
		zap.String("step", step.Kind.String()),
		zap.String("node", step.Node),
		zap.Int("round", s.Round),
		zap.Int("active", len(s.ActiveNumbers())),
	)
	s.logf("[Critic] Routing → %s", step.Phase)
	d.publish(ctx, s, events.Phase, string(step.Phase))
}

func (d *Dispatcher) runNode(ctx context.Context, s *RunState, step NextStep) error {
	node := d.nodes.byName(step.Node)
	if node == nil {
		return &NodeFailure{Node: step.Node, Kind: FailureInternal, Detail: "no node registered"}
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.node", trace.WithAttributes(
		attribute.String("node.name", node.Name()),
		attribute.String("run.phase", string(step.Phase)),
		attribute.Int("run.round", s.Round),
	))
	defer span.End()

	s.Phase = step.Phase
	start := time.Now()
	patch, err := node.Execute(ctx, s.View())
	if err != nil {
		err = Fail(step.Node, err, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.logger.Debug(ctx, "node completed",
		zap.String("node", node.Name()),
		zap.Duration("latency", time.Since(start)),
	)

	if err := d.apply(ctx, s, step, patch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// apply merges a node patch into s and advances the phase.
func (d *Dispatcher) apply(ctx context.Context, s *RunState, step NextStep, patch *Patch) error {
	if patch == nil {
		patch = &Patch{}
	}
	s.Messages = append(s.Messages, patch.Messages...)

	switch step.Node {
	case NodeResearch:
		if patch.ResearchSummary != nil {
			s.ResearchSummary = *patch.ResearchSummary
		}
		s.Phase = PhaseGeneration

	case NodeGeneration:
		var err error
		if step.Phase == PhaseRevision {
			err = reviseItems(s, patch.Drafts)
			if err == nil {
				// The writer has used the note; later rounds must not repeat it.
				s.Note = ""
			}
		} else {
			err = seedItems(s, patch.Drafts)
		}
		if err != nil {
			return Fail(NodeGeneration, err, "")
		}
		s.logf("[Generation] %d items ready for review (round %d)", len(s.ActiveNumbers()), s.Round+1)
		s.Phase = PhaseReview

	case NodeReview:
		if patch.Review == nil {
			return &NodeFailure{Node: NodeReview, Kind: FailureMalformed, Detail: "review stage returned no batch"}
		}
		kept, active := ApplyScores(s, patch.Review.Meta, s.Note)
		s.LastReview = patch.Review
		s.ReviewSummary = patch.Review.Summary()
		s.logf("[Review] %s", s.ReviewSummary)
		d.logger.Info(ctx, "review applied", zap.Int("kept", kept), zap.Int("active", active))
		d.saveRound(ctx, s)
		s.Phase = PhaseApproval

	case NodeApproval:
		if patch.Approval == nil {
			return &NodeFailure{Node: NodeApproval, Kind: FailureMalformed, Detail: "approver returned no decision"}
		}
		resp := *patch.Approval
		d.saveFeedback(ctx, s, resp, patch.ApprovalSource)
		if !applyApproval(s, resp) {
			patch.RoundDelta = max(patch.RoundDelta, 1)
		}
		d.saveRound(ctx, s)
	}

	s.Round += patch.RoundDelta
	if patch.Phase != nil {
		s.Phase = *patch.Phase
	}
	return nil
}

// suspend checkpoints s and returns the approval request.
func (d *Dispatcher) suspend(ctx context.Context, s *RunState) (*Result, error) {
	s.Suspension = SuspensionSuspended
	ckpt, err := NewCheckpoint(s)
	if err != nil {
		s.Suspension = SuspensionRunning
		return d.fail(ctx, s, err)
	}
	if err := d.store.SaveCheckpoint(ctx, ckpt.Record()); err != nil {
		s.Suspension = SuspensionRunning
		return d.fail(ctx, s, fmt.Errorf("writing checkpoint: %w", err))
	}

	req := NewApprovalRequest(s)
	d.logger.Info(ctx, "run suspended for approval",
		zap.String("checkpoint_id", ckpt.ID),
		zap.Int("active", len(req.ActiveItems)),
		zap.String("progress", req.Progress),
	)
	d.publish(ctx, s, events.Suspended, string(s.Phase))
	return &Result{State: s, Approval: req}, nil
}

// Resume loads the checkpoint of runID and continues it with resp.
func (d *Dispatcher) Resume(ctx context.Context, runID string, resp ApprovalResponse) (*Result, error) {
	rec, err := d.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for run %s: %w", runID, err)
	}
	s, err := CheckpointFromRecord(rec).Restore()
	if err != nil {
		return nil, err
	}
	return d.ResumeState(ctx, s, resp)
}

// ResumeState continues a restored run with resp. A note rejected by the
// screen terminates the run with OutcomeRejectedInjection.
func (d *Dispatcher) ResumeState(ctx context.Context, s *RunState, resp ApprovalResponse) (*Result, error) {
	if s.Suspension != SuspensionSuspended {
		return nil, fmt.Errorf("run %s: %w", s.ID, ErrNotSuspended)
	}
	ctx = logging.WithCallerID(logging.WithRunID(ctx, s.ID), s.CallerID)
	s.Suspension = SuspensionResumed
	d.publish(ctx, s, events.Resumed, string(s.Phase))

	note := strings.TrimSpace(resp.Note)
	if !resp.Approve && note != "" && d.screen != nil && !d.screen.Allow(ctx, note) {
		d.logger.Warn(ctx, "reviewer note rejected by injection screen", zap.Int("note_length", len(note)))
		d.saveFeedback(ctx, s, ApprovalResponse{Note: note}, "rejected")
		s.logf("[Security] Feedback rejected, run terminated")
		s.Outcome = OutcomeRejectedInjection
		s.Phase = PhaseDone
		return d.Run(ctx, s)
	}

	patch := &Patch{Approval: &resp, ApprovalSource: "human"}
	if !resp.Approve {
		patch.RoundDelta = 1
	}
	step := NextStep{Kind: StepNode, Phase: PhaseApproval, Node: NodeApproval}
	if err := d.apply(ctx, s, step, patch); err != nil {
		return d.fail(ctx, s, err)
	}
	if resp.Approve {
		s.logf("[Approval] Approved all items")
	} else {
		s.logf("[Approval] Revision requested for %d items", len(s.ActiveNumbers()))
	}
	return d.Run(ctx, s)
}

func (d *Dispatcher) finish(ctx context.Context, s *RunState, outcome Outcome) *Result {
	if s.Outcome == "" {
		s.Outcome = outcome
	}
	if s.Outcome == OutcomeMaxRevisions {
		if n := forceAccept(s); n > 0 {
			s.logf("[Critic] Max revisions reached, accepting %d remaining items", n)
		}
	}
	s.Phase = PhaseDone
	if s.Outcome != OutcomeRejectedInjection {
		d.saveRound(ctx, s)
	}

	report := BuildReport(s)
	d.logger.Info(ctx, "run finished",
		zap.String("outcome", string(s.Outcome)),
		zap.Int("rounds", report.Rounds),
		zap.Int("items", len(report.Items)),
	)
	res := &Result{State: s, Report: &report}
	if s.Outcome == OutcomeRejectedInjection {
		res.Message = RejectionMessage
	}
	return res
}

func (d *Dispatcher) fail(ctx context.Context, s *RunState, err error) (*Result, error) {
	s.Outcome = OutcomeFailed
	d.logger.Error(ctx, "run failed", zap.String("phase", string(s.Phase)), zap.Error(err))
	s.logf("[Critic] Run failed in %s: %v", s.Phase, err)
	return &Result{State: s}, d.runError(s, err)
}

func (d *Dispatcher) runError(s *RunState, err error) *RunError {
	return &RunError{RunID: s.ID, Phase: s.Phase, Round: s.Round, CheckpointID: s.CheckpointID, Err: err}
}

// saveRound persists the current round. Failures are logged only.
func (d *Dispatcher) saveRound(ctx context.Context, s *RunState) {
	rec := store.RoundRecord{Round: s.Round}
	if s.LastReview != nil {
		rec.ContentReview = s.LastReview.Content
		rec.LinguisticReview = s.LastReview.Linguistic
		rec.BiasReview = s.LastReview.Bias
		rec.MetaReview = s.LastReview.Editor
	}
	for _, it := range s.Items {
		ir := store.ItemRecord{Number: it.Number, Text: it.Text, Frozen: it.Frozen}
		if it.Score != nil {
			ir.Decision = string(it.Score.Decision)
			ir.Reason = it.Score.Reason
		}
		rec.Items = append(rec.Items, ir)
	}
	if err := d.store.SaveRound(ctx, s.ID, s.Round, rec); err != nil {
		d.logger.Warn(ctx, "saving round failed", zap.Int("round", s.Round), zap.Error(err))
	}
}

func (d *Dispatcher) saveFeedback(ctx context.Context, s *RunState, resp ApprovalResponse, source string) {
	if source == "" {
		source = "human"
	}
	rec := store.FeedbackRecord{
		Round:    s.Round,
		Source:   source,
		Decision: resp.decisionLabel(),
		Text:     resp.Note,
	}
	if source == "rejected" {
		rec.Source, rec.Decision = "human", "REJECTED"
	}
	if err := d.store.SaveFeedback(ctx, s.ID, rec); err != nil {
		d.logger.Warn(ctx, "saving feedback failed", zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, s *RunState, t events.Type, phase string) {
	err := d.events.Publish(ctx, events.Event{
		Type:     t,
		RunID:    s.ID,
		CallerID: s.CallerID,
		Phase:    phase,
		Round:    s.Round,
		Outcome:  string(s.Outcome),
		Time:     time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn(ctx, "publishing event failed", zap.String("event", string(t)), zap.Error(err))
	}
}
