package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

// ApplyScores records the gate result for every active item in review.
// KEEP freezes the item; REVISE and DISCARD leave it active with the gate
// reason and note as feedback. Frozen items and unknown numbers are
// ignored, so applying the same review twice changes nothing.
func ApplyScores(s *RunState, review scoring.MetaReview, note string) (kept, active int) {
	for _, ir := range review.Items {
		it := s.item(ir.ItemNumber)
		if it == nil || it.Frozen {
			continue
		}
		card := ir.Card
		it.Score = &card
		if card.Decision == scoring.Keep {
			it.Frozen = true
			it.Feedback = card.Reason
			kept++
			continue
		}
		fb := card.Reason
		if ir.RevisedStem != "" {
			fb += "\nSuggested revision: " + ir.RevisedStem
		}
		it.Feedback = withNote(fb, note)
	}
	return kept, len(s.ActiveNumbers())
}

func withNote(feedback, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return feedback
	}
	if feedback == "" {
		return "Reviewer note: " + note
	}
	return feedback + "\nReviewer note: " + note
}

// AlignGenerated matches revised texts to the active item numbers. Drafts
// that carry exactly the active numbers are matched by number; unnumbered or
// sequentially renumbered drafts are matched in order. Anything else is an
// AlignmentError.
func AlignGenerated(active []int, drafts []Draft) (map[int]string, error) {
	if len(drafts) != len(active) {
		return nil, &AlignmentError{Expected: active, Got: len(drafts)}
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Text) == "" {
			return nil, &AlignmentError{Expected: active, Got: len(drafts), Detail: fmt.Sprintf("draft %d is empty", i+1)}
		}
	}

	out := make(map[int]string, len(active))
	if matchesNumbers(active, drafts) {
		for _, d := range drafts {
			out[d.Number] = strings.TrimSpace(d.Text)
		}
		return out, nil
	}
	if !positional(drafts) {
		return nil, &AlignmentError{Expected: active, Got: len(drafts), Detail: "draft numbering does not match active items"}
	}
	for i, n := range active {
		out[n] = strings.TrimSpace(drafts[i].Text)
	}
	return out, nil
}

func matchesNumbers(active []int, drafts []Draft) bool {
	want := make(map[int]bool, len(active))
	for _, n := range active {
		want[n] = true
	}
	seen := make(map[int]bool, len(drafts))
	for _, d := range drafts {
		if !want[d.Number] || seen[d.Number] {
			return false
		}
		seen[d.Number] = true
	}
	return true
}

// positional reports whether drafts are unnumbered or numbered 1..n.
func positional(drafts []Draft) bool {
	unnumbered := true
	for _, d := range drafts {
		if d.Number != 0 {
			unnumbered = false
		}
	}
	if unnumbered {
		return true
	}
	for i, d := range drafts {
		if d.Number != i+1 {
			return false
		}
	}
	return true
}

// seedItems creates the initial pool from the first generation.
func seedItems(s *RunState, drafts []Draft) error {
	if len(drafts) == 0 {
		return &AlignmentError{Got: 0, Detail: "writer returned no items"}
	}
	numbered := make(map[int]bool, len(drafts))
	useNumbers := true
	for _, d := range drafts {
		if d.Number <= 0 || numbered[d.Number] {
			useNumbers = false
			break
		}
		numbered[d.Number] = true
	}

	s.Items = make([]WorkItem, 0, len(drafts))
	for i, d := range drafts {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			return &AlignmentError{Got: len(drafts), Detail: fmt.Sprintf("draft %d is empty", i+1)}
		}
		n := i + 1
		if useNumbers {
			n = d.Number
		}
		s.Items = append(s.Items, WorkItem{Number: n, Text: text})
	}
	s.sortItems()
	return nil
}

// reviseItems replaces the text of the active items. Score and feedback are
// cleared so the next review starts fresh.
func reviseItems(s *RunState, drafts []Draft) error {
	texts, err := AlignGenerated(s.ActiveNumbers(), drafts)
	if err != nil {
		return err
	}
	for n, text := range texts {
		it := s.item(n)
		it.Text = text
		it.Score = nil
		it.Feedback = ""
	}
	return nil
}

// applyApproval applies a normalized approval response. It returns true when
// the run is finished.
func applyApproval(s *RunState, resp ApprovalResponse) bool {
	if resp.Approve {
		forceAccept(s)
		s.Phase = PhaseDone
		s.Outcome = OutcomeApproved
		return true
	}

	s.Note = strings.TrimSpace(resp.Note)
	decisions := resp.Normalize()
	numbers := make([]int, 0, len(decisions))
	for n := range decisions {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		it := s.item(n)
		if it == nil || it.Frozen {
			continue
		}
		if decisions[n] == scoring.Keep {
			it.Frozen = true
		}
	}
	for i := range s.Items {
		if !s.Items[i].Frozen {
			s.Items[i].Feedback = withNote(s.Items[i].Feedback, s.Note)
		}
	}
	s.Phase = PhaseRevision
	return false
}

// forceAccept freezes every active item.
func forceAccept(s *RunState) int {
	n := 0
	for i := range s.Items {
		if !s.Items[i].Frozen {
			s.Items[i].Frozen = true
			n++
		}
	}
	return n
}
