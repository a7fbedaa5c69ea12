package agents

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/construct"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
)

// scripted is a Caller that answers with fn and records every request.
type scripted struct {
	mu   sync.Mutex
	reqs []provider.Request
	fn   func(req provider.Request) (string, error)
}

func (s *scripted) Call(_ context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	text, err := s.fn(req)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Text: text, Provider: "scripted"}, nil
}

func (s *scripted) requests() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Request(nil), s.reqs...)
}

func answer(texts ...string) *scripted {
	var i int
	var mu sync.Mutex
	return &scripted{fn: func(provider.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		text := texts[min(i, len(texts)-1)]
		i++
		return text, nil
	}}
}

func agent(name string, c Caller) Agent {
	return NewAgent(config.DefaultAgentSettings().Agent(name), c)
}

func fixer() *Fixer {
	return NewFixer(config.JSONFixConfig{MaxAttempts: 2}, nil)
}

// view builds a run view with items 1..n. Numbers in frozen are frozen.
func view(t *testing.T, phase orchestrator.Phase, n int, frozen ...int) orchestrator.RunView {
	t.Helper()
	c, err := construct.Preset("aaaw")
	require.NoError(t, err)
	s := orchestrator.NewRunState("run-1", "alice", c, orchestrator.ModeAuto, 3, n)
	s.Phase = phase
	isFrozen := make(map[int]bool)
	for _, f := range frozen {
		isFrozen[f] = true
	}
	for i := 1; i <= n; i++ {
		s.Items = append(s.Items, orchestrator.WorkItem{
			Number: i,
			Text:   "I use AI tools with confidence " + strings.Repeat("!", i),
			Frozen: isFrozen[i],
		})
	}
	return s.View()
}

func TestFormatItems(t *testing.T) {
	got := formatItems([]orchestrator.WorkItem{{Number: 3, Text: " three "}, {Number: 7, Text: "seven"}})
	require.Equal(t, "3. three\n7. seven", got)
}
