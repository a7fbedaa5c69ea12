// Package store persists runs, rounds, checkpoints, feedback and the
// research cache.
//
// Three backends implement Store: Memory for tests and local runs, Badger
// for a single durable node, and Postgres for shared deployments. Store
// failures outside checkpointing are non-fatal to a run; callers log and
// continue.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/config"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted summary of one run.
type RunRecord struct {
	ID            string     `json:"id"`
	CallerID      string     `json:"caller_id"`
	Preset        string     `json:"preset,omitempty"`
	ConstructName string     `json:"construct_name"`
	Fingerprint   string     `json:"fingerprint"`
	Mode          string     `json:"mode"`
	Status        string     `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ItemRecord is one item as of the end of a round.
type ItemRecord struct {
	Number   int    `json:"number"`
	Text     string `json:"text"`
	Frozen   bool   `json:"frozen"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RoundRecord is one generation and review round.
type RoundRecord struct {
	Round            int          `json:"round"`
	Items            []ItemRecord `json:"items"`
	ContentReview    string       `json:"content_review,omitempty"`
	LinguisticReview string       `json:"linguistic_review,omitempty"`
	BiasReview       string       `json:"bias_review,omitempty"`
	MetaReview       string       `json:"meta_review,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// CheckpointRecord is a serialized run snapshot taken before suspension.
type CheckpointRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Round     int       `json:"round"`
	Phase     string    `json:"phase"`
	State     []byte    `json:"state"`
	Checksum  string    `json:"checksum"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackRecord is one approval response, human or automated.
type FeedbackRecord struct {
	Round     int       `json:"round"`
	Source    string    `json:"source"` // human | lewmod
	Decision  string    `json:"decision"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	SaveRound(ctx context.Context, runID string, round int, rec RoundRecord) error
	LoadPreviousItems(ctx context.Context, fingerprint string, limit int) ([]string, error)
	GetCachedResearch(ctx context.Context, fingerprint string, ttl time.Duration) (string, bool, error)
	SaveResearch(ctx context.Context, fingerprint, summary string) error

	CreateRun(ctx context.Context, rec RunRecord) error
	FinishRun(ctx context.Context, runID, status, outcome, errMsg string) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, callerID string, offset, limit int) ([]RunRecord, int, error)

	SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error)

	SaveFeedback(ctx context.Context, runID string, rec FeedbackRecord) error
	ListFeedback(ctx context.Context, runID string) ([]FeedbackRecord, error)

	Close() error
}

// Open selects a backend from cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "badger":
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.InMemory = cfg.InMemory
		bc.Logger = logger
		return OpenBadger(bc)
	case "postgres":
		pc := DefaultPostgresConfig()
		pc.DSN = cfg.PostgresDSN.Value()
		return OpenPostgres(ctx, pc)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// keptItems collects kept item texts from the latest round of each run,
// newest run first, without duplicates.
func keptItems(runs []RunRecord, latest func(runID string) (*RoundRecord, error), limit int) ([]string, error) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	seen := make(map[string]bool)
	var out []string
	for _, run := range runs {
		rec, err := latest(run.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, it := range rec.Items {
			if !it.Frozen || seen[it.Text] {
				continue
			}
			seen[it.Text] = true
			out = append(out, it.Text)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}
