package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

const instrumentationName = "github.com/fyrsmithlabs/itemforge/internal/agents"

const (
	contentSchema    = `{"items":[{"item_number":"integer","target_rating":"1-7","orbiting_1_rating":"1-7","orbiting_2_rating":"1-7","feedback":"string"}],"overall_summary":"string"}`
	linguisticSchema = `{"items":[{"item_number":"integer","grammatical_accuracy":"1-5","ease_of_understanding":"1-5","negative_language_free":"1-5","clarity_directness":"1-5","feedback":"string"}],"overall_summary":"string"}`
	biasSchema       = `{"items":[{"item_number":"integer","score":"1-5","feedback":"string"}],"overall_summary":"string"}`
	editorSchema     = `{"items":[{"item_number":"integer","decision":"KEEP|REVISE|DISCARD","reason":"string","revised_item_stem":"string|null"}],"overall_synthesis":"string"}`
)

var errNoItems = errors.New("items is empty")

type contentOutput struct{ scoring.ContentReview }

func (o *contentOutput) check() error {
	if len(o.Items) == 0 {
		return errNoItems
	}
	return nil
}

type linguisticOutput struct{ scoring.LinguisticReview }

func (o *linguisticOutput) check() error {
	if len(o.Items) == 0 {
		return errNoItems
	}
	return nil
}

type biasOutput struct{ scoring.BiasReview }

func (o *biasOutput) check() error {
	if len(o.Items) == 0 {
		return errNoItems
	}
	return nil
}

type editorOutput struct{ scoring.EditorReview }

func (o *editorOutput) check() error {
	if len(o.Items) == 0 {
		return errNoItems
	}
	for _, it := range o.Items {
		switch scoring.Decision(strings.ToUpper(string(it.Decision))) {
		case scoring.Keep, scoring.Revise, scoring.Discard:
		default:
			return fmt.Errorf("item %d: decision must be KEEP, REVISE or DISCARD, got %q", it.ItemNumber, it.Decision)
		}
	}
	return nil
}

// Reviewers are the agents of the review stage.
type Reviewers struct {
	Content    Agent
	Linguistic Agent
	Bias       Agent
	Editor     Agent
}

// ReviewStage runs the content, linguistic and bias reviewers concurrently,
// waits for all three, then runs the meta editor once and gates every item.
type ReviewStage struct {
	reviewers  Reviewers
	fixer      *Fixer
	thresholds scoring.Thresholds
	logger     *logging.Logger
	tracer     trace.Tracer
}

// ReviewOption configures a ReviewStage.
type ReviewOption func(*ReviewStage)

// WithReviewLogger sets the stage logger.
func WithReviewLogger(l *logging.Logger) ReviewOption {
	return func(s *ReviewStage) { s.logger = l }
}

// WithReviewTracer sets the tracer for reviewer spans.
func WithReviewTracer(t trace.Tracer) ReviewOption {
	return func(s *ReviewStage) { s.tracer = t }
}

// NewReviewStage creates the review node.
func NewReviewStage(r Reviewers, f *Fixer, th scoring.Thresholds, opts ...ReviewOption) *ReviewStage {
	s := &ReviewStage{
		reviewers:  r,
		fixer:      f,
		thresholds: th,
		logger:     logging.Nop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReviewStage) Name() string { return orchestrator.NodeReview }

// Execute implements orchestrator.Node. Only active items are reviewed.
func (s *ReviewStage) Execute(ctx context.Context, view orchestrator.RunView) (*orchestrator.Patch, error) {
	active := view.ActiveItems()
	if len(active) == 0 {
		return nil, &orchestrator.NodeFailure{
			Node: orchestrator.NodeReview, Kind: orchestrator.FailureInternal, Detail: "no active items to review",
		}
	}
	itemsText := formatItems(active)
	c := view.Construct

	var (
		content    contentOutput
		linguistic linguisticOutput
		bias       biasOutput
		batch      orchestrator.ReviewBatch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, batch.Content, err = reviewAs[contentOutput](gctx, s, s.reviewers.Content, contentSchema,
			contentSystem, fmt.Sprintf(contentTask, itemsText, c.DimensionBlocks()))
		return err
	})
	g.Go(func() error {
		var err error
		linguistic, batch.Linguistic, err = reviewAs[linguisticOutput](gctx, s, s.reviewers.Linguistic, linguisticSchema,
			linguisticSystem, fmt.Sprintf(linguisticTask, c.Name, itemsText))
		return err
	})
	g.Go(func() error {
		var err error
		bias, batch.Bias, err = reviewAs[biasOutput](gctx, s, s.reviewers.Bias, biasSchema,
			biasSystem, fmt.Sprintf(biasTask, itemsText, c.Name, targetPopulation(c)))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, orchestrator.Fail(orchestrator.NodeReview, err, "reviewer failed")
	}

	editor, editorRaw, err := reviewAs[editorOutput](ctx, s, s.reviewers.Editor, editorSchema,
		editorSystem, fmt.Sprintf(editorTask, itemsText, batch.Content, batch.Linguistic, batch.Bias))
	if err != nil {
		return nil, orchestrator.Fail(orchestrator.NodeReview, err, "meta editor failed")
	}
	batch.Editor = editorRaw

	batch.Meta = activeOnly(
		scoring.BuildMetaReview(batch.Content, batch.Linguistic, batch.Bias, batch.Editor, s.thresholds),
		view.ActiveNumbers(),
	)
	if syn := strings.TrimSpace(editor.OverallSynthesis); syn != "" {
		batch.Meta.Synthesis = syn
	}

	counts := batch.Meta.Counts()
	s.logger.Info(ctx, "review stage done",
		zap.Int("items", len(batch.Meta.Items)),
		zap.Int("keep", counts[scoring.Keep]),
		zap.Int("revise", counts[scoring.Revise]),
		zap.Int("discard", counts[scoring.Discard]),
	)

	return &orchestrator.Patch{
		Review: &batch,
		Messages: []string{
			"[ContentReviewer] " + summaryOr(content.OverallSummary),
			"[LinguisticReviewer] " + summaryOr(linguistic.OverallSummary),
			"[BiasReviewer] " + summaryOr(bias.OverallSummary),
		},
	}, nil
}

// reviewAs runs one reviewer in its own span.
func reviewAs[T any](ctx context.Context, s *ReviewStage, a Agent, schema, system, prompt string) (T, string, error) {
	ctx, span := s.tracer.Start(ctx, "review."+a.Name, trace.WithAttributes(attribute.String("agent.name", a.Name)))
	defer span.End()

	out, raw, err := CallJSON[T](ctx, s.fixer, a, a.request(system, prompt), schema)
	if err != nil {
		span.RecordError(err)
		return out, "", fmt.Errorf("%s: %w", a.Name, err)
	}
	return out, raw, nil
}

// activeOnly drops gated items whose numbers are not active.
func activeOnly(m scoring.MetaReview, active []int) scoring.MetaReview {
	keep := make(map[int]bool, len(active))
	for _, n := range active {
		keep[n] = true
	}
	items := m.Items[:0:0]
	for _, it := range m.Items {
		if keep[it.ItemNumber] {
			items = append(items, it)
		}
	}
	m.Items = items
	return m
}

// targetPopulation derives the population from the construct definition so
// domain vocabulary is not flagged as bias.
func targetPopulation(c construct.Construct) string {
	if strings.TrimSpace(c.Definition) == "" {
		return "General adult population."
	}
	return fmt.Sprintf("People to whom the %q construct applies, as defined by: %s. Judge bias only within this population.",
		c.Name, c.Definition)
}

func summaryOr(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "Review complete."
	}
	return s
}
