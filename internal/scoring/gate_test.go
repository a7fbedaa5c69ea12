package scoring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ratings(target, o1, o2, ling, bias int) Ratings {
	return Ratings{
		Target: target, Orbit1: o1, Orbit2: o2,
		Grammar: ling, Ease: ling, NegativeFree: ling, Clarity: ling,
		Bias: bias,
	}
}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name string
		in   Ratings
		want Decision
	}{
		{"strong item kept", ratings(6, 2, 2, 5, 5), Keep},
		{"at content floor but not distinct", ratings(5, 3, 3, 4, 4), Revise},
		{"distinct at floor", ratings(5, 3, 2, 4, 4), Keep},
		{"low bias discarded", ratings(6, 1, 1, 5, 2), Discard},
		{"low linguistic discarded", ratings(6, 1, 1, 2, 5), Discard},
		{"weak content revised", ratings(3, 3, 3, 5, 5), Revise},
		{"middling bias revised", ratings(6, 1, 1, 5, 3), Revise},
		{"all missing revised", NewRatings(), Revise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in, th).Decision)
		})
	}
}

func TestDecide_SingleLowSubscoreDrivesLingMin(t *testing.T) {
	r := ratings(6, 1, 1, 5, 5)
	r.Clarity = 2
	card := Decide(r, DefaultThresholds())
	assert.Equal(t, 2, card.LingMin)
	assert.Equal(t, Discard, card.Decision)
}

func TestDecide_Clamping(t *testing.T) {
	card := Decide(ratings(9, 1, 1, 5, 5), DefaultThresholds())
	assert.Equal(t, 1.0, card.ContentValidity)
	assert.Equal(t, 1.0, card.Distinctiveness)

	card = Decide(ratings(1, 7, 7, 5, 5), DefaultThresholds())
	assert.Equal(t, -1.0, card.Distinctiveness)
	assert.False(t, card.ContentOK)
}

func TestDecide_Reason(t *testing.T) {
	r := ratings(6, 2, 2, 4, 5)
	r.ContentNote = "on target"
	r.BiasNote = "neutral"
	card := Decide(r, DefaultThresholds())
	assert.Equal(t, "content(c=1.00,d=0.67,ok=true); ling_min=4; bias=5; content_note=on target; bias_note=neutral", card.Reason)

	r = NewRatings()
	r.ContentMissing = true
	assert.Contains(t, Decide(r, DefaultThresholds()).Reason, "content_note=missing_content_review")
}

func TestDecide_ThresholdsAreParameters(t *testing.T) {
	r := ratings(5, 3, 3, 4, 4)
	assert.Equal(t, Revise, Decide(r, DefaultThresholds()).Decision)

	lenient := DefaultThresholds()
	lenient.DistinctMin = 0.3
	assert.Equal(t, Keep, Decide(r, lenient).Decision)

	fivePoint := DefaultThresholds()
	fivePoint.ScaleMax = 5
	card := Decide(ratings(4, 2, 2, 4, 4), fivePoint)
	assert.Equal(t, 1.0, card.ContentValidity)
	assert.Equal(t, 0.5, card.Distinctiveness)
}

func TestDecide_PureUnderConcurrency(t *testing.T) {
	th := DefaultThresholds()
	inputs := make([]Ratings, 0, 7*7*7)
	for target := 1; target <= 7; target++ {
		for ling := 1; ling <= 7; ling++ {
			for bias := 1; bias <= 7; bias++ {
				inputs = append(inputs, ratings(target, 2, 3, ling, bias))
			}
		}
	}
	want := make([]ScoreCard, len(inputs))
	for i, in := range inputs {
		want[i] = Decide(in, th)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for k := range inputs {
				i := (k + offset) % len(inputs)
				if got := Decide(inputs[i], th); got != want[i] {
					errs <- fmt.Sprintf("input %d: got %+v want %+v", i, got, want[i])
					return
				}
			}
		}(g * 7)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestBuildMetaReview(t *testing.T) {
	content := "```json\n" + `{"items":[
		{"item_number":1,"target_rating":6,"orbiting_1_rating":2,"orbiting_2_rating":2,"feedback":"good"},
		{"item_number":2,"target_rating":4,"orbiting_1_rating":3,"orbiting_2_rating":3}
	]}` + "\n```"
	ling := `Here you go: {"items":[
		{"item_number":1,"grammatical_accuracy":5,"ease_of_understanding":5,"negative_language_free":5,"clarity_directness":4},
		{"item_number":2,"grammatical_accuracy":5,"ease_of_understanding":5,"negative_language_free":5,"clarity_directness":5},
		{"item_number":3,"grammatical_accuracy":1,"ease_of_understanding":5,"negative_language_free":5,"clarity_directness":5}
	]}`
	bias := `{"items":[{"item_number":1,"score":5},{"item_number":2,"score":4},{"item_number":3,"score":5}]}`
	meta := `{"items":[
		{"item_number":1,"decision":"DISCARD","reason":"editor dislikes it"},
		{"item_number":2,"decision":"KEEP","revised_item_stem":"A better stem."}
	],"overall_synthesis":"mixed"}`

	review := BuildMetaReview(content, ling, bias, meta, DefaultThresholds())
	require.Len(t, review.Items, 3)

	byNum := review.ByNumber()
	assert.Equal(t, Keep, byNum[1].Card.Decision, "editor decision never overrides the gate")
	assert.Equal(t, Discard, byNum[1].EditorDecision)

	assert.Equal(t, Revise, byNum[2].Card.Decision)
	assert.Equal(t, "A better stem.", byNum[2].RevisedStem)

	assert.Equal(t, Discard, byNum[3].Card.Decision)
	assert.Contains(t, byNum[3].Card.Reason, "content_note=missing_content_review")

	assert.Equal(t, map[Decision]int{Keep: 1, Revise: 1, Discard: 1}, review.Counts())
}

func TestBuildMetaReview_GarbageInputs(t *testing.T) {
	review := BuildMetaReview("not json", "", "{broken", `{"items":[{"item_number":4,"decision":"KEEP"}]}`, DefaultThresholds())
	require.Len(t, review.Items, 1)
	assert.Equal(t, 4, review.Items[0].ItemNumber)
	assert.Equal(t, Revise, review.Items[0].Card.Decision)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"Sure! {\"a\":{\"b\":2}} hope this helps", `{"a":{"b":2}}`, false},
		{"no braces here", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrNoJSON)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
