package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/store"
)

// Summarizer condenses raw search output into a research summary.
type Summarizer interface {
	Summarize(ctx context.Context, c construct.Construct, raw string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, c construct.Construct, raw string) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, c construct.Construct, raw string) (string, error) {
	return f(ctx, c, raw)
}

// Researcher runs the construct queries, summarizes the hits and caches the
// summary by construct fingerprint.
type Researcher struct {
	Searcher   Searcher // nil skips web search
	Summarizer Summarizer
	Store      store.Store
	CacheTTL   time.Duration
	MaxResults int
	Depth      string
	Logger     *zap.Logger
}

// Outcome is the result of one research pass.
type Outcome struct {
	Summary string
	Cached  bool
}

// Queries returns the search queries for a construct.
func Queries(constructName string) []string {
	return []string{
		constructName + " psychological scale validated items",
		constructName + " Likert scale measurement psychometrics",
	}
}

// Research returns a summary for c. Cache and search failures degrade to
// empty input for the summarizer; only a summarizer failure is an error.
func (r *Researcher) Research(ctx context.Context, c construct.Construct) (Outcome, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fp := c.Fingerprint()

	if r.Store != nil {
		summary, ok, err := r.Store.GetCachedResearch(ctx, fp, r.CacheTTL)
		switch {
		case err != nil:
			logger.Warn("research cache read failed", zap.Error(err))
		case ok && summary != "":
			logger.Info("research cache hit", zap.String("fingerprint", fp[:12]))
			return Outcome{Summary: summary, Cached: true}, nil
		}
	}

	raw := r.search(ctx, c.Name, logger)
	if r.Summarizer == nil {
		return Outcome{}, errors.New("no summarizer configured")
	}
	summary, err := r.Summarizer.Summarize(ctx, c, raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("summarize research: %w", err)
	}
	summary = strings.TrimSpace(summary)

	if r.Store != nil && summary != "" {
		if err := r.Store.SaveResearch(ctx, fp, summary); err != nil {
			logger.Warn("research cache write failed", zap.Error(err))
		}
	}
	return Outcome{Summary: summary}, nil
}

func (r *Researcher) search(ctx context.Context, name string, logger *zap.Logger) string {
	if r.Searcher == nil {
		return "Web search is not configured."
	}
	sections := make([]string, 0, 2)
	for _, q := range Queries(name) {
		hits, err := r.Searcher.Search(ctx, Query{Text: q, MaxResults: r.MaxResults, Depth: r.Depth})
		if err != nil {
			logger.Warn("search failed", zap.String("query", q), zap.Error(err))
			sections = append(sections, fmt.Sprintf("### Query: %s\nSearch failed: %v", q, err))
			continue
		}
		sections = append(sections, fmt.Sprintf("### Query: %s\n%s", q, FormatResults(hits)))
	}
	return strings.Join(sections, "\n\n")
}

// FormatResults renders hits as markdown blocks.
func FormatResults(hits []Result) string {
	if len(hits) == 0 {
		return "No results found."
	}
	blocks := make([]string, 0, len(hits))
	for _, h := range hits {
		blocks = append(blocks, fmt.Sprintf("**%s**\n%s\n%s\n", h.Title, h.URL, h.Snippet))
	}
	return strings.Join(blocks, "\n---\n")
}
