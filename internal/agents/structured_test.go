package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/orchestrator"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
)

func TestCallJSON_FirstTry(t *testing.T) {
	c := answer("```json\n{\"decision\":\"approve\",\"feedback\":\"fine\"}\n```")
	out, raw, err := CallJSON[lewmodOutput](context.Background(), fixer(), agent(config.AgentLewMod, c),
		provider.Request{Prompt: "x"}, lewmodSchema)
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", out.Decision)
	assert.JSONEq(t, `{"decision":"approve","feedback":"fine"}`, raw)
	assert.Len(t, c.requests(), 1)
}

func TestCallJSON_FixerRepairs(t *testing.T) {
	c := answer("DECISION: APPROVE, looks good", `{"decision":"APPROVE","feedback":"looks good"}`)
	logger := logging.NewTestLogger()
	f := NewFixer(config.JSONFixConfig{MaxAttempts: 2}, logger.Logger)

	out, _, err := CallJSON[lewmodOutput](context.Background(), f, agent(config.AgentLewMod, c),
		provider.Request{System: lewmodSystem, Prompt: "x", Temperature: 0.3}, lewmodSchema)
	require.NoError(t, err)
	assert.Equal(t, "looks good", out.Feedback)

	reqs := c.requests()
	require.Len(t, reqs, 2)
	fix := reqs[1]
	assert.Equal(t, fixerSystem, fix.System)
	assert.Zero(t, fix.Temperature)
	assert.Contains(t, fix.Prompt, lewmodSchema)
	assert.Contains(t, fix.Prompt, "DECISION: APPROVE, looks good")
	assert.Contains(t, fix.Prompt, "no JSON object found")
	logger.AssertLogged(t, zapcore.WarnLevel, "asking fixer")
}

func TestCallJSON_CheckFailureIsRepaired(t *testing.T) {
	c := answer(`{"decision":"MAYBE"}`, `{"decision":"REVISE","feedback":"item 2"}`)
	out, _, err := CallJSON[lewmodOutput](context.Background(), fixer(), agent(config.AgentLewMod, c),
		provider.Request{Prompt: "x"}, lewmodSchema)
	require.NoError(t, err)
	assert.Equal(t, "REVISE", out.Decision)
	assert.Contains(t, c.requests()[1].Prompt, `got "MAYBE"`)
}

func TestCallJSON_Exhausted(t *testing.T) {
	c := answer("nope")
	_, _, err := CallJSON[lewmodOutput](context.Background(), fixer(), agent(config.AgentLewMod, c),
		provider.Request{Prompt: "x"}, lewmodSchema)

	var se *StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Attempts)
	assert.Len(t, se.Errs, 3)
	assert.True(t, errors.Is(err, provider.ErrMalformed))
	assert.Len(t, c.requests(), 3, "one call plus two repairs")

	nf := orchestrator.Fail(orchestrator.NodeApproval, err, "")
	assert.Equal(t, orchestrator.FailureMalformed, nf.Kind)
}

func TestCallJSON_ProviderErrorPassesThrough(t *testing.T) {
	c := &scripted{fn: func(provider.Request) (string, error) { return "", provider.ErrUnavailable }}
	_, _, err := CallJSON[lewmodOutput](context.Background(), fixer(), agent(config.AgentLewMod, c),
		provider.Request{Prompt: "x"}, lewmodSchema)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Len(t, c.requests(), 1)
}

func TestRecentErrors(t *testing.T) {
	errs := []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}
	assert.Equal(t, "- b\n- c\n- d", recentErrors(errs))
}
