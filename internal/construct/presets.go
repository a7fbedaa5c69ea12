package construct

import (
	"fmt"
	"sort"
)

var presets = map[string]Construct{
	"aaaw": aaaw,
}

// Preset returns a copy of the named preset.
func Preset(name string) (Construct, error) {
	c, ok := presets[name]
	if !ok {
		return Construct{}, fmt.Errorf("unknown construct preset %q", name)
	}
	c.Dimensions = append([]Dimension(nil), c.Dimensions...)
	return c, nil
}

// PresetNames lists the available presets in order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Attitudes Toward the Use of AI in the Workplace (Park et al., 2024).
var aaaw = Construct{
	Name: "Attitudes Toward the Use of AI in the Workplace (AAAW)",
	Definition: "A multidimensional construct measuring individuals' attitudes toward " +
		"artificial intelligence in their work environment, covering anxiety, perceived " +
		"utility, humanlikeness attributions, adaptability beliefs, quality evaluations " +
		"and job insecurity.",
	Dimensions: []Dimension{
		{
			Name: "AI Use Anxiety",
			Definition: "The degree of apprehension individuals experience when using or " +
				"contemplating the use of AI systems at work.",
			ExampleItems: []string{
				"I feel uneasy when I have to use AI tools at work.",
				"The thought of relying on AI for work tasks makes me nervous.",
			},
			OrbitingDimensions: []string{"Job Insecurity", "Personal Utility"},
		},
		{
			Name: "Personal Utility",
			Definition: "The perceived usefulness of AI tools for improving one's own job " +
				"performance and productivity.",
			ExampleItems: []string{
				"AI tools help me accomplish my work tasks more efficiently.",
				"I find AI applications useful for my daily work activities.",
			},
			OrbitingDimensions: []string{"Perceived Quality of AI", "Perceived Adaptability of AI"},
		},
		{
			Name: "Perceived Humanlikeness of AI",
			Definition: "The extent to which individuals see AI systems as having human-like " +
				"qualities such as understanding, empathy or social presence.",
			ExampleItems: []string{
				"AI systems seem to understand my needs like a human colleague would.",
				"Interacting with AI feels similar to interacting with a person.",
			},
			OrbitingDimensions: []string{"Perceived Adaptability of AI", "Perceived Quality of AI"},
		},
		{
			Name: "Perceived Adaptability of AI",
			Definition: "The degree to which individuals believe AI systems can adjust to " +
				"varying tasks, contexts and user needs at work.",
			ExampleItems: []string{
				"AI tools can easily adapt to different types of work tasks.",
				"AI systems adjust well to my changing work requirements.",
			},
			OrbitingDimensions: []string{"Personal Utility", "Perceived Humanlikeness of AI"},
		},
		{
			Name: "Perceived Quality of AI",
			Definition: "The evaluation of the reliability, accuracy and output quality of AI " +
				"systems as experienced at work.",
			ExampleItems: []string{
				"The outputs produced by AI tools at work are reliable.",
				"AI systems consistently deliver high-quality results.",
			},
			OrbitingDimensions: []string{"Personal Utility", "Perceived Adaptability of AI"},
		},
		{
			Name: "Job Insecurity",
			Definition: "The perceived threat AI poses to one's job stability, career " +
				"prospects or professional relevance.",
			ExampleItems: []string{
				"I worry that AI might replace my role in the organization.",
				"AI advancements make me uncertain about my future career prospects.",
			},
			OrbitingDimensions: []string{"AI Use Anxiety", "Personal Utility"},
		},
	},
}
