package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/store"
)

const writerSchema = `{"items":[{"item_number":"integer","stem":"string","rationale":"string"}]}`

type writerOutput struct {
	Items []struct {
		ItemNumber int    `json:"item_number"`
		Stem       string `json:"stem"`
		Rationale  string `json:"rationale"`
	} `json:"items"`
}

func (o *writerOutput) check() error {
	if len(o.Items) == 0 {
		return errors.New("items is empty")
	}
	for i, it := range o.Items {
		if strings.TrimSpace(it.Stem) == "" {
			return fmt.Errorf("items[%d].stem is empty", i)
		}
	}
	return nil
}

func (o writerOutput) drafts() []orchestrator.Draft {
	out := make([]orchestrator.Draft, len(o.Items))
	for i, it := range o.Items {
		out[i] = orchestrator.Draft{Number: it.ItemNumber, Text: strings.TrimSpace(it.Stem)}
	}
	return out
}

// Writer generates the initial item pool and revises active items in later
// rounds.
type Writer struct {
	agent        Agent
	fixer        *Fixer
	history      store.Store
	historyLimit int
	logger       *logging.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithHistory makes the writer avoid items kept in earlier runs of the same
// construct. limit caps how many are shown.
func WithHistory(st store.Store, limit int) WriterOption {
	return func(w *Writer) {
		w.history = st
		w.historyLimit = limit
	}
}

// WithWriterLogger sets the writer's logger.
func WithWriterLogger(l *logging.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter creates the generation node.
func NewWriter(a Agent, f *Fixer, opts ...WriterOption) *Writer {
	w := &Writer{agent: a, fixer: f, logger: logging.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Name() string { return orchestrator.NodeGeneration }

// Execute implements orchestrator.Node. The view's phase selects between
// generating a fresh pool and revising the active items.
func (w *Writer) Execute(ctx context.Context, view orchestrator.RunView) (*orchestrator.Patch, error) {
	var prompt, verb string
	if view.Phase == orchestrator.PhaseRevision {
		prompt, verb = w.revisePrompt(view), "Revised"
	} else {
		prompt, verb = w.generatePrompt(ctx, view), "Generated"
	}

	out, _, err := CallJSON[writerOutput](ctx, w.fixer, w.agent, w.agent.request(writerSystem, prompt), writerSchema)
	if err != nil {
		return nil, orchestrator.Fail(orchestrator.NodeGeneration, err, "")
	}
	drafts := out.drafts()
	w.logger.Info(ctx, "item writer done",
		zap.String("phase", string(view.Phase)), zap.Int("items", len(drafts)))

	return &orchestrator.Patch{
		Drafts:   drafts,
		Messages: []string{fmt.Sprintf("[ItemWriter] %s %d items", verb, len(drafts))},
	}, nil
}

func (w *Writer) generatePrompt(ctx context.Context, view orchestrator.RunView) string {
	summary := strings.TrimSpace(view.ResearchSummary)
	if summary == "" {
		summary = "No research available."
	}
	c := view.Construct
	return fmt.Sprintf(writerGenerateTask,
		view.NumItems, c.Name, c.Definition, c.DimensionBlocks(),
		summary, w.historyBlock(ctx, view.Fingerprint), view.NumItems)
}

// historyBlock lists earlier kept items. History is best effort.
func (w *Writer) historyBlock(ctx context.Context, fingerprint string) string {
	if w.history == nil || w.historyLimit <= 0 || fingerprint == "" {
		return ""
	}
	prev, err := w.history.LoadPreviousItems(ctx, fingerprint, w.historyLimit)
	if err != nil {
		w.logger.Warn(ctx, "loading item history failed", zap.Error(err))
		return ""
	}
	if len(prev) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nThese items were kept in earlier runs. Do not repeat or paraphrase them:\n")
	for _, text := range prev {
		b.WriteString("- " + text + "\n")
	}
	return b.String()
}

func (w *Writer) revisePrompt(view orchestrator.RunView) string {
	active := view.ActiveItems()
	feedback := strings.TrimSpace(view.Note)
	if feedback == "" {
		feedback = "No human feedback provided."
	}
	return fmt.Sprintf(writerReviseTask,
		view.Construct.Name, view.Construct.Definition,
		formatItems(active), scoreDigest(active), feedback)
}
