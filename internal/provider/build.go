package provider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/config"
)

// Registry holds the configured clients by name.
type Registry struct {
	clients map[string]Client
	configs map[string]config.ProviderConfig
}

// NewRegistry builds a client for every enabled provider in cfg.
func NewRegistry(providers []config.ProviderConfig, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		clients: make(map[string]Client, len(providers)),
		configs: make(map[string]config.ProviderConfig, len(providers)),
	}
	for _, pc := range providers {
		if pc.Disabled {
			continue
		}
		c, err := FromConfig(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		r.clients[pc.Name] = c
		r.configs[pc.Name] = pc
	}
	return r, nil
}

// Register adds or replaces a client. Used by tests and the CLI.
func (r *Registry) Register(c Client, pc config.ProviderConfig) {
	pc.Name = c.Name()
	r.clients[pc.Name] = c
	r.configs[pc.Name] = pc
}

// Get returns the named client and its configuration.
func (r *Registry) Get(name string) (Client, config.ProviderConfig, bool) {
	c, ok := r.clients[name]
	return c, r.configs[name], ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int { return len(r.clients) }

// FromConfig creates a client for one provider configuration, throttled
// when requests_per_second is set.
func FromConfig(pc config.ProviderConfig, logger *zap.Logger) (Client, error) {
	var (
		c   Client
		err error
	)
	switch pc.Kind {
	case "", "openai":
		c = NewOpenAI(OpenAIConfig{
			Name:         pc.Name,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey.Value(),
			DefaultModel: pc.Model,
		}, logger)
	case "ollama":
		c, err = NewOllama(pc.Name, pc.BaseURL, pc.Model)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", pc.Kind)
	}
	if pc.RequestsPerSecond > 0 {
		return WithRateLimit(c, pc.RequestsPerSecond, pc.Burst), nil
	}
	return c, nil
}
