package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	logger, err := NewLoggerTo(cfg, &buf, nil)
	require.NoError(t, err)
	return logger, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextFields(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithCallerID(ctx, "alice")
	logger.Info(ctx, "phase completed", zap.String("phase", "review"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "phase completed", lines[0]["msg"])
	assert.Equal(t, "run-1", lines[0]["run.id"])
	assert.Equal(t, "alice", lines[0]["caller.id"])
	assert.Equal(t, "review", lines[0]["phase"])
	assert.Equal(t, "itemforge", lines[0]["service"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = "warn" })

	ctx := context.Background()
	logger.Info(ctx, "dropped")
	logger.Warn(ctx, "kept")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
}

func TestLogger_Redaction(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	logger.With(zap.String("api_key", "tvly-abcdefghijkl")).Info(context.Background(),
		"calling provider",
		zap.String("authorization", "Bearer secret-token"),
		zap.String("detail", "sent header Bearer abc.def.ghi"),
	)

	out := buf.String()
	assert.NotContains(t, out, "tvly-abcdefghijkl")
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.Contains(t, out, redacted)
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling.Enabled = true
		c.Sampling.Initial = 1
		c.Sampling.Thereafter = 0
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		logger.Error(ctx, "provider failed")
	}
	assert.Len(t, decodeLines(t, buf), 5)
}

type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func (e *recordingExporter) bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.records))
	for i, r := range e.records {
		out[i] = r.Body().AsString()
	}
	return out
}

func TestLogger_OTELBridge(t *testing.T) {
	exp := &recordingExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	var buf bytes.Buffer
	logger, err := NewLoggerTo(cfg, &buf, provider)
	require.NoError(t, err)

	logger.Info(context.Background(), "run submitted", zap.String("run.id", "run-1"))

	assert.Equal(t, []string{"run submitted"}, exp.bodies())
	assert.Contains(t, buf.String(), "run submitted", "stdout keeps receiving entries")
}

func TestLogger_OTELOnlyNeedsProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	_, err := NewLoggerTo(cfg, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad level", func(c *Config) { c.Level = "loud" }},
		{"no outputs", func(c *Config) { c.Output.Stdout = false; c.Output.OTEL = false }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}

func TestTestLogger_Assertions(t *testing.T) {
	logger := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-9")

	logger.Warn(ctx, "research degraded", zap.String("reason", "timeout"))

	logger.AssertLogged(t, zapcore.WarnLevel, "research degraded")
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "research degraded")
	logger.AssertField(t, "research degraded", "run.id", "run-9")
	logger.AssertField(t, "research degraded", "reason", "timeout")
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)
	assert.Same(t, logger.Logger, FromContext(ctx))
}
