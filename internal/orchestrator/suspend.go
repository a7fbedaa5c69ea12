package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/itemforge/internal/scoring"
	"github.com/fyrsmithlabs/itemforge/internal/store"
)

// CheckpointVersion is the current checkpoint encoding version.
const CheckpointVersion = 1

// RejectionMessage is shown when reviewer feedback is rejected as a prompt
// injection attempt.
const RejectionMessage = "Your feedback could not be processed. Please provide feedback related to the test items (e.g., wording, clarity, bias, construct coverage). The run has been terminated."

// Screen decides whether a reviewer note may be passed to the agents.
// Implementations handle their own minimum length and error policy.
type Screen interface {
	Allow(ctx context.Context, note string) bool
}

// ScreenFunc adapts a function to Screen.
type ScreenFunc func(ctx context.Context, note string) bool

func (f ScreenFunc) Allow(ctx context.Context, note string) bool { return f(ctx, note) }

// ApprovalItem is an active item as shown to the approver.
type ApprovalItem struct {
	Number   int                `json:"number"`
	Text     string             `json:"text"`
	Score    *scoring.ScoreCard `json:"score,omitempty"`
	Feedback string             `json:"feedback,omitempty"`
}

// ApprovalRequest is returned when a run suspends for human approval.
type ApprovalRequest struct {
	RunID           string         `json:"run_id"`
	CheckpointID    string         `json:"checkpoint_id"`
	Round           int            `json:"round"`
	MaxRevisions    int            `json:"max_revisions"`
	Progress        string         `json:"progress"`
	ActiveItems     []ApprovalItem `json:"active_items"`
	FrozenNumbers   []int          `json:"frozen_numbers"`
	FeedbackSummary string         `json:"feedback_summary"`
}

// NewApprovalRequest builds the approval payload for s.
func NewApprovalRequest(s *RunState) *ApprovalRequest {
	req := &ApprovalRequest{
		RunID:           s.ID,
		CheckpointID:    s.CheckpointID,
		Round:           s.Round + 1,
		MaxRevisions:    s.MaxRevisions,
		Progress:        fmt.Sprintf("round %d of %d", s.Round+1, max(s.MaxRevisions, 1)),
		FrozenNumbers:   s.FrozenNumbers(),
		FeedbackSummary: s.ReviewSummary,
	}
	for _, it := range s.ActiveItems() {
		req.ActiveItems = append(req.ActiveItems, ApprovalItem{
			Number:   it.Number,
			Text:     it.Text,
			Score:    it.Score,
			Feedback: it.Feedback,
		})
	}
	return req
}

// ApprovalResponse is the approver's answer. Decisions holds raw per-item
// decisions; see Normalize.
type ApprovalResponse struct {
	Approve   bool           `json:"approve"`
	Decisions map[int]string `json:"decisions,omitempty"`
	Note      string         `json:"note,omitempty"`
}

// Normalize returns the decisions that are KEEP or REVISE, case-insensitive.
// Anything else is dropped.
func (r ApprovalResponse) Normalize() map[int]scoring.Decision {
	out := make(map[int]scoring.Decision, len(r.Decisions))
	for n, raw := range r.Decisions {
		switch scoring.Decision(strings.ToUpper(strings.TrimSpace(raw))) {
		case scoring.Keep:
			out[n] = scoring.Keep
		case scoring.Revise:
			out[n] = scoring.Revise
		}
	}
	return out
}

// decisionLabel summarizes a response for the feedback log.
func (r ApprovalResponse) decisionLabel() string {
	if r.Approve {
		return "APPROVE"
	}
	return "REVISE"
}

// Checkpoint is a serialized RunState with its checksum.
type Checkpoint struct {
	ID        string
	RunID     string
	Round     int
	Phase     Phase
	State     []byte
	Checksum  string
	Version   int
	CreatedAt time.Time
}

// NewCheckpoint serializes s. The checkpoint ID is written into s before
// encoding so the restored state carries it.
func NewCheckpoint(s *RunState) (*Checkpoint, error) {
	id := uuid.NewString()
	prev := s.CheckpointID
	s.CheckpointID = id
	data, err := json.Marshal(s)
	if err != nil {
		s.CheckpointID = prev
		return nil, fmt.Errorf("encoding run state: %w", err)
	}
	return &Checkpoint{
		ID:        id,
		RunID:     s.ID,
		Round:     s.Round,
		Phase:     s.Phase,
		State:     data,
		Checksum:  checksum(data),
		Version:   CheckpointVersion,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Restore verifies the checkpoint and decodes its RunState.
func (c *Checkpoint) Restore() (*RunState, error) {
	if c.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: %d", ErrCheckpointVersion, c.Version)
	}
	if checksum(c.State) != c.Checksum {
		return nil, fmt.Errorf("checkpoint %s: %w", c.ID, ErrChecksumMismatch)
	}
	var s RunState
	if err := json.Unmarshal(c.State, &s); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", c.ID, err)
	}
	return &s, nil
}

// Record converts c for the store.
func (c *Checkpoint) Record() store.CheckpointRecord {
	return store.CheckpointRecord{
		ID:        c.ID,
		RunID:     c.RunID,
		Round:     c.Round,
		Phase:     string(c.Phase),
		State:     c.State,
		Checksum:  c.Checksum,
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
	}
}

// CheckpointFromRecord converts a stored checkpoint.
func CheckpointFromRecord(rec *store.CheckpointRecord) *Checkpoint {
	return &Checkpoint{
		ID:        rec.ID,
		RunID:     rec.RunID,
		Round:     rec.Round,
		Phase:     Phase(rec.Phase),
		State:     rec.State,
		Checksum:  rec.Checksum,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
