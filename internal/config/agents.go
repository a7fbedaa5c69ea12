package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Agent names recognized in agents.toml.
const (
	AgentWebSurfer          = "websurfer"
	AgentItemWriter         = "item_writer"
	AgentContentReviewer    = "content_reviewer"
	AgentLinguisticReviewer = "linguistic_reviewer"
	AgentBiasReviewer       = "bias_reviewer"
	AgentMetaEditor         = "meta_editor"
	AgentLewMod             = "lewmod"
)

// AgentSettings is the decoded form of agents.toml.
type AgentSettings struct {
	Defaults AgentDefaults          `toml:"defaults"`
	Agents   map[string]AgentConfig `toml:"agents"`
	Workflow WorkflowConfig         `toml:"workflow"`
	JSONFix  JSONFixConfig          `toml:"json_fix"`
}

// AgentDefaults apply to every agent that does not override them.
type AgentDefaults struct {
	Model     string   `toml:"model"`
	Providers []string `toml:"providers"`
	MaxTokens int      `toml:"max_tokens"`
}

// AgentConfig holds per-agent overrides. Zero values inherit defaults.
type AgentConfig struct {
	Model       string   `toml:"model"`
	Temperature *float64 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
	Providers   []string `toml:"providers"`

	// item_writer
	NumItems int `toml:"num_items"`

	// websurfer
	MaxResults  int    `toml:"max_results"`
	SearchDepth string `toml:"search_depth"`
}

// WorkflowConfig controls the revision loop.
type WorkflowConfig struct {
	MaxRevisions int `toml:"max_revisions"`
	HistoryLimit int `toml:"history_limit"`
}

// JSONFixConfig controls structured-output repair attempts.
type JSONFixConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

// ResolvedAgent is an agent configuration with defaults applied.
type ResolvedAgent struct {
	Name        string
	Model       string
	Temperature float64
	MaxTokens   int
	Providers   []string
	NumItems    int
	MaxResults  int
	SearchDepth string
}

var defaultTemperatures = map[string]float64{
	AgentWebSurfer:          0.0,
	AgentItemWriter:         1.0,
	AgentContentReviewer:    0.0,
	AgentLinguisticReviewer: 0.0,
	AgentBiasReviewer:       0.0,
	AgentMetaEditor:         0.3,
	AgentLewMod:             0.3,
}

// DefaultAgentSettings returns the built-in agent settings.
func DefaultAgentSettings() *AgentSettings {
	s := &AgentSettings{}
	s.applyDefaults()
	return s
}

// LoadAgentSettings decodes agents.toml at path. A missing file yields defaults.
func LoadAgentSettings(path string) (*AgentSettings, error) {
	s := &AgentSettings{}
	if path != "" {
		if _, err := toml.DecodeFile(path, s); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode agent settings %s: %w", path, err)
		}
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("agent settings validation failed: %w", err)
	}
	return s, nil
}

// DecodeAgentSettings decodes agent settings from TOML text.
func DecodeAgentSettings(data string) (*AgentSettings, error) {
	s := &AgentSettings{}
	if _, err := toml.Decode(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode agent settings: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("agent settings validation failed: %w", err)
	}
	return s, nil
}

func (s *AgentSettings) applyDefaults() {
	if s.Defaults.Model == "" {
		s.Defaults.Model = "meta-llama/llama-4-maverick"
	}
	if s.Defaults.MaxTokens == 0 {
		s.Defaults.MaxTokens = 4096
	}
	if s.Agents == nil {
		s.Agents = make(map[string]AgentConfig)
	}
	if s.Workflow.MaxRevisions == 0 {
		s.Workflow.MaxRevisions = 3
	}
	if s.Workflow.HistoryLimit == 0 {
		s.Workflow.HistoryLimit = 30
	}
	if s.JSONFix.MaxAttempts == 0 {
		s.JSONFix.MaxAttempts = 2
	}
}

// Validate checks agent settings for errors.
func (s *AgentSettings) Validate() error {
	if s.Workflow.MaxRevisions < 0 {
		return fmt.Errorf("workflow.max_revisions must be >= 0, got %d", s.Workflow.MaxRevisions)
	}
	for name, a := range s.Agents {
		if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
			return fmt.Errorf("agents.%s.temperature must be between 0 and 2, got %v", name, *a.Temperature)
		}
		if a.NumItems < 0 {
			return fmt.Errorf("agents.%s.num_items must be >= 0", name)
		}
	}
	return nil
}

// Agent resolves the configuration for the named agent.
func (s *AgentSettings) Agent(name string) ResolvedAgent {
	a := s.Agents[name]
	r := ResolvedAgent{
		Name:        name,
		Model:       a.Model,
		MaxTokens:   a.MaxTokens,
		Providers:   a.Providers,
		NumItems:    a.NumItems,
		MaxResults:  a.MaxResults,
		SearchDepth: a.SearchDepth,
	}
	if r.Model == "" {
		r.Model = s.Defaults.Model
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = s.Defaults.MaxTokens
	}
	if len(r.Providers) == 0 {
		r.Providers = s.Defaults.Providers
	}
	if a.Temperature != nil {
		r.Temperature = *a.Temperature
	} else {
		r.Temperature = defaultTemperatures[name]
	}
	if name == AgentItemWriter && r.NumItems == 0 {
		r.NumItems = 8
	}
	if name == AgentWebSurfer {
		if r.MaxResults == 0 {
			r.MaxResults = 5
		}
		if r.SearchDepth == "" {
			r.SearchDepth = "advanced"
		}
	}
	return r
}
