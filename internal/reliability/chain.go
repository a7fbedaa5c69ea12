package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
)

// Link is one provider in a chain.
type Link struct {
	Client provider.Client

	// Model overrides the request model when set.
	Model string

	// Timeout bounds a single call. Zero means no per-link deadline.
	Timeout time.Duration

	// MinResponseLength rejects shorter responses. Zero disables the check.
	MinResponseLength int
}

func (l Link) name() string {
	if l.Client == nil {
		return "<nil>"
	}
	return l.Client.Name()
}

// Chain is an ordered, immutable list of links.
type Chain struct {
	links []Link
}

// NewChain builds a chain. At least one link is required.
func NewChain(links ...Link) (*Chain, error) {
	if len(links) == 0 {
		return nil, errors.New("chain requires at least one provider")
	}
	for i, l := range links {
		if l.Client == nil {
			return nil, fmt.Errorf("link %d has no client", i)
		}
		if l.MinResponseLength < 0 {
			return nil, fmt.Errorf("link %d: negative min response length", i)
		}
	}
	cp := make([]Link, len(links))
	copy(cp, links)
	return &Chain{links: cp}, nil
}

// ChainFromNames resolves provider names against reg in order. Unknown or
// disabled names are skipped; an empty result is an error.
func ChainFromNames(reg *provider.Registry, names []string) (*Chain, error) {
	links := make([]Link, 0, len(names))
	for _, name := range names {
		c, pc, ok := reg.Get(name)
		if !ok {
			continue
		}
		links = append(links, LinkFromConfig(c, pc))
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("no enabled providers among %v", names)
	}
	return NewChain(links...)
}

// LinkFromConfig builds a link for c using the limits in pc.
func LinkFromConfig(c provider.Client, pc config.ProviderConfig) Link {
	return Link{
		Client:            c,
		Model:             pc.Model,
		Timeout:           pc.Timeout.Duration(),
		MinResponseLength: pc.MinResponseLength,
	}
}

// Len returns the number of links.
func (c *Chain) Len() int { return len(c.links) }

// Providers returns the provider names in order.
func (c *Chain) Providers() []string {
	out := make([]string, len(c.links))
	for i, l := range c.links {
		out[i] = l.name()
	}
	return out
}

// RetryPolicy is exponential backoff with a cap.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		BackoffFactor:   2,
		MaxInterval:     30 * time.Second,
	}
}

// PolicyFromConfig converts the retry section of the service config.
func PolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: rc.InitialInterval.Duration(),
		BackoffFactor:   rc.BackoffFactor,
		MaxInterval:     rc.MaxInterval.Duration(),
	}
	p.applyDefaults()
	return p
}

func (p *RetryPolicy) applyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
}

// backoff returns the wait before attempt n+1, where n starts at 1.
func (p RetryPolicy) backoff(n int) time.Duration {
	wait := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		wait *= p.BackoffFactor
		if wait >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	return time.Duration(wait)
}
