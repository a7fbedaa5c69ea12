package orchestrator

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

func stateWithItems(n int) *RunState {
	s := &RunState{ID: "run-1", Phase: PhaseReview, MaxRevisions: 3}
	for i := 1; i <= n; i++ {
		s.Items = append(s.Items, WorkItem{Number: i, Text: "item text"})
	}
	return s
}

func review(decisions map[int]scoring.Decision) scoring.MetaReview {
	numbers := make([]int, 0, len(decisions))
	for n := range decisions {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var m scoring.MetaReview
	for _, n := range numbers {
		d := decisions[n]
		m.Items = append(m.Items, scoring.ItemReview{
			ItemNumber: n,
			Card:       scoring.ScoreCard{Decision: d, Reason: "reason for " + string(d)},
		})
	}
	return m
}

func TestApplyScores(t *testing.T) {
	s := stateWithItems(4)
	meta := review(map[int]scoring.Decision{1: scoring.Keep, 2: scoring.Revise, 3: scoring.Discard, 4: scoring.Keep})
	meta.Items[1].RevisedStem = "I trust AI tools at work."

	kept, active := ApplyScores(s, meta, "be concise")
	assert.Equal(t, 2, kept)
	assert.Equal(t, 2, active)
	assert.Equal(t, []int{1, 4}, s.FrozenNumbers())
	assert.Equal(t, []int{2, 3}, s.ActiveNumbers())

	it, _ := s.Item(2)
	assert.Contains(t, it.Feedback, "reason for REVISE")
	assert.Contains(t, it.Feedback, "Suggested revision: I trust AI tools at work.")
	assert.Contains(t, it.Feedback, "Reviewer note: be concise")
	require.NotNil(t, it.Score)
	assert.Equal(t, scoring.Revise, it.Score.Decision)

	it, _ = s.Item(1)
	assert.NotContains(t, it.Feedback, "be concise")
}

func TestApplyScores_Idempotent(t *testing.T) {
	meta := review(map[int]scoring.Decision{1: scoring.Keep, 2: scoring.Revise, 3: scoring.Keep})

	once := stateWithItems(3)
	ApplyScores(once, meta, "note")

	twice := stateWithItems(3)
	ApplyScores(twice, meta, "note")
	ApplyScores(twice, meta, "note")

	assert.Equal(t, once.Items, twice.Items)
}

func TestApplyScores_FrozenItemsNeverChange(t *testing.T) {
	s := stateWithItems(2)
	ApplyScores(s, review(map[int]scoring.Decision{1: scoring.Keep, 2: scoring.Revise}), "")
	before, _ := s.Item(1)

	ApplyScores(s, review(map[int]scoring.Decision{1: scoring.Discard, 2: scoring.Revise}), "")
	after, _ := s.Item(1)
	assert.Equal(t, before, after)
	assert.True(t, after.Frozen)
	assert.Equal(t, scoring.Keep, after.Score.Decision)
}

func TestApplyScores_IgnoresUnknownNumbers(t *testing.T) {
	s := stateWithItems(2)
	kept, active := ApplyScores(s, review(map[int]scoring.Decision{9: scoring.Keep}), "")
	assert.Zero(t, kept)
	assert.Equal(t, 2, active)
}

func TestAlignGenerated(t *testing.T) {
	tests := []struct {
		name    string
		active  []int
		drafts  []Draft
		want    map[int]string
		wantErr bool
	}{
		{
			name:   "explicit numbers",
			active: []int{3, 7},
			drafts: []Draft{{Number: 7, Text: "seven"}, {Number: 3, Text: "three"}},
			want:   map[int]string{3: "three", 7: "seven"},
		},
		{
			name:   "unnumbered in order",
			active: []int{3, 7},
			drafts: []Draft{{Text: "first"}, {Text: "second"}},
			want:   map[int]string{3: "first", 7: "second"},
		},
		{
			name:   "renumbered from one",
			active: []int{3, 7},
			drafts: []Draft{{Number: 1, Text: "first"}, {Number: 2, Text: " second "}},
			want:   map[int]string{3: "first", 7: "second"},
		},
		{
			name:    "count mismatch",
			active:  []int{3, 7},
			drafts:  []Draft{{Text: "only one"}},
			wantErr: true,
		},
		{
			name:    "foreign numbers",
			active:  []int{3, 7},
			drafts:  []Draft{{Number: 3, Text: "a"}, {Number: 5, Text: "b"}},
			wantErr: true,
		},
		{
			name:    "duplicate numbers",
			active:  []int{3, 7},
			drafts:  []Draft{{Number: 3, Text: "a"}, {Number: 3, Text: "b"}},
			wantErr: true,
		},
		{
			name:    "empty text",
			active:  []int{1},
			drafts:  []Draft{{Number: 1, Text: "  "}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AlignGenerated(tt.active, tt.drafts)
			if tt.wantErr {
				var ae *AlignmentError
				require.True(t, errors.As(err, &ae), "got %v", err)
				assert.Equal(t, tt.active, ae.Expected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeedItems(t *testing.T) {
	s := &RunState{}
	require.NoError(t, seedItems(s, []Draft{{Number: 2, Text: "b"}, {Number: 1, Text: "a"}}))
	assert.Equal(t, []int{1, 2}, s.ActiveNumbers())
	it, _ := s.Item(1)
	assert.Equal(t, "a", it.Text)

	s = &RunState{}
	require.NoError(t, seedItems(s, []Draft{{Number: 1, Text: "a"}, {Number: 1, Text: "b"}}))
	assert.Equal(t, []int{1, 2}, s.ActiveNumbers())

	assert.Error(t, seedItems(&RunState{}, nil))
}

func TestApplyApproval(t *testing.T) {
	t.Run("approve freezes everything", func(t *testing.T) {
		s := stateWithItems(3)
		s.Items[0].Frozen = true
		done := applyApproval(s, ApprovalResponse{Approve: true, Note: "ignored"})
		assert.True(t, done)
		assert.True(t, s.AllFrozen())
		assert.Equal(t, OutcomeApproved, s.Outcome)
		assert.Equal(t, PhaseDone, s.Phase)
	})

	t.Run("per item decisions", func(t *testing.T) {
		s := stateWithItems(3)
		done := applyApproval(s, ApprovalResponse{
			Decisions: map[int]string{1: "keep", 2: " Revise ", 3: "DISCARD", 9: "KEEP"},
			Note:      "shorter please",
		})
		assert.False(t, done)
		assert.Equal(t, PhaseRevision, s.Phase)
		assert.Equal(t, []int{1}, s.FrozenNumbers())
		assert.Equal(t, []int{2, 3}, s.ActiveNumbers())
		assert.Equal(t, "shorter please", s.Note)
		it, _ := s.Item(3)
		assert.Contains(t, it.Feedback, "shorter please")
	})
}

func TestApprovalResponse_Normalize(t *testing.T) {
	got := ApprovalResponse{Decisions: map[int]string{
		1: "KEEP", 2: "revise", 3: "discard", 4: "", 5: "approve",
	}}.Normalize()
	assert.Equal(t, map[int]scoring.Decision{1: scoring.Keep, 2: scoring.Revise}, got)
}
