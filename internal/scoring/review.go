package scoring

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ContentReview is the content reviewer's JSON output.
type ContentReview struct {
	Items []struct {
		ItemNumber int    `json:"item_number"`
		Target     int    `json:"target_rating"`
		Orbit1     int    `json:"orbiting_1_rating"`
		Orbit2     int    `json:"orbiting_2_rating"`
		Feedback   string `json:"feedback"`
	} `json:"items"`
	OverallSummary string `json:"overall_summary"`
}

// LinguisticReview is the linguistic reviewer's JSON output.
type LinguisticReview struct {
	Items []struct {
		ItemNumber   int    `json:"item_number"`
		Grammar      int    `json:"grammatical_accuracy"`
		Ease         int    `json:"ease_of_understanding"`
		NegativeFree int    `json:"negative_language_free"`
		Clarity      int    `json:"clarity_directness"`
		Feedback     string `json:"feedback"`
	} `json:"items"`
	OverallSummary string `json:"overall_summary"`
}

// BiasReview is the bias reviewer's JSON output.
type BiasReview struct {
	Items []struct {
		ItemNumber int    `json:"item_number"`
		Score      int    `json:"score"`
		Feedback   string `json:"feedback"`
	} `json:"items"`
	OverallSummary string `json:"overall_summary"`
}

// EditorReview is the meta editor's JSON output. Its decisions are advisory.
type EditorReview struct {
	Items []struct {
		ItemNumber  int      `json:"item_number"`
		Decision    Decision `json:"decision"`
		Reason      string   `json:"reason"`
		RevisedStem string   `json:"revised_item_stem,omitempty"`
	} `json:"items"`
	OverallSynthesis string `json:"overall_synthesis"`
}

// ItemReview is the gated result for one item.
type ItemReview struct {
	ItemNumber     int       `json:"item_number"`
	Card           ScoreCard `json:"score_card"`
	EditorDecision Decision  `json:"editor_decision,omitempty"`
	RevisedStem    string    `json:"revised_item_stem,omitempty"`
}

// MetaReview is the gate applied to one round of reviews.
type MetaReview struct {
	Items     []ItemReview `json:"items"`
	Synthesis string       `json:"overall_synthesis"`
}

// Counts returns how many items received each decision.
func (m MetaReview) Counts() map[Decision]int {
	out := map[Decision]int{Keep: 0, Revise: 0, Discard: 0}
	for _, it := range m.Items {
		out[it.Card.Decision]++
	}
	return out
}

// ByNumber indexes the items by item number.
func (m MetaReview) ByNumber() map[int]ItemReview {
	out := make(map[int]ItemReview, len(m.Items))
	for _, it := range m.Items {
		out[it.ItemNumber] = it
	}
	return out
}

// BuildMetaReview parses the raw reviewer outputs and gates every item that
// appears in any of them. Unparsable outputs are treated as empty, so their
// ratings fall back to MissingRating.
func BuildMetaReview(contentText, lingText, biasText, metaText string, th Thresholds) MetaReview {
	var (
		content ContentReview
		ling    LinguisticReview
		bias    BiasReview
		meta    EditorReview
	)
	_ = Unmarshal(contentText, &content)
	_ = Unmarshal(lingText, &ling)
	_ = Unmarshal(biasText, &bias)
	_ = Unmarshal(metaText, &meta)

	ratings := make(map[int]*Ratings)
	get := func(n int) *Ratings {
		r, ok := ratings[n]
		if !ok {
			nr := NewRatings()
			nr.ContentMissing = true
			r = &nr
			ratings[n] = r
		}
		return r
	}

	for _, it := range content.Items {
		r := get(it.ItemNumber)
		r.Target, r.Orbit1, r.Orbit2 = orMissing(it.Target), orMissing(it.Orbit1), orMissing(it.Orbit2)
		r.ContentNote = it.Feedback
		r.ContentMissing = false
	}
	for _, it := range ling.Items {
		r := get(it.ItemNumber)
		r.Grammar, r.Ease = orMissing(it.Grammar), orMissing(it.Ease)
		r.NegativeFree, r.Clarity = orMissing(it.NegativeFree), orMissing(it.Clarity)
		r.LingNote = it.Feedback
	}
	for _, it := range bias.Items {
		r := get(it.ItemNumber)
		r.Bias = orMissing(it.Score)
		r.BiasNote = it.Feedback
	}
	editor := make(map[int]int, len(meta.Items))
	for i, it := range meta.Items {
		get(it.ItemNumber)
		editor[it.ItemNumber] = i
	}

	numbers := make([]int, 0, len(ratings))
	for n := range ratings {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := MetaReview{
		Items:     make([]ItemReview, 0, len(numbers)),
		Synthesis: "Decisions computed deterministically from reviewer ratings.",
	}
	for _, n := range numbers {
		ir := ItemReview{ItemNumber: n, Card: Decide(*ratings[n], th)}
		if i, ok := editor[n]; ok {
			ed := meta.Items[i]
			ir.EditorDecision = ed.Decision
			if ir.Card.Decision == Revise {
				ir.RevisedStem = ed.RevisedStem
			}
		}
		out.Items = append(out.Items, ir)
	}
	return out
}

// orMissing treats a zero rating as absent.
func orMissing(v int) int {
	if v == 0 {
		return MissingRating
	}
	return v
}

// ErrNoJSON is returned when text contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found")

// ExtractJSON returns the JSON object embedded in model output, tolerating
// markdown fences and leading or trailing prose.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

// Unmarshal extracts the JSON object from text and decodes it into v.
func Unmarshal(text string, v interface{}) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}
