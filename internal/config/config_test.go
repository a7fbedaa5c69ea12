package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault_Validates(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 3, cfg.Scheduler.MaxPerCaller)
	assert.Equal(t, "queue", cfg.Scheduler.OverflowPolicy)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval.Duration())
	assert.Equal(t, 2.0, cfg.Retry.BackoffFactor)
	assert.Equal(t, 0.83, cfg.Gate.ContentMin)
	assert.Equal(t, 0.7, cfg.Injection.Threshold)
	assert.Equal(t, 24*time.Hour, cfg.Research.CacheTTL.Duration())
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad overflow policy",
			mutate:  func(c *Config) { c.Scheduler.OverflowPolicy = "drop" },
			wantErr: "overflow_policy",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scheduler.MaxWorkers = 0 },
			wantErr: "max_workers",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Injection.Threshold = 1.5 },
			wantErr: "injection.threshold",
		},
		{
			name: "same classifier backend twice",
			mutate: func(c *Config) {
				c.Injection.Enabled = true
				c.Injection.Primary = "groq"
				c.Injection.Secondary = "groq"
			},
			wantErr: "different backends",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{Name: "a", Kind: "openai"}, {Name: "a", Kind: "openai"}}
			},
			wantErr: "duplicate provider",
		},
		{
			name:    "badger without path",
			mutate:  func(c *Config) { c.Store.Driver = "badger" },
			wantErr: "store.path",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: "postgres_dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "itemforge.yaml")
	yaml := `
scheduler:
  max_workers: 4
  overflow_policy: reject
providers:
  - name: openrouter
    base_url: https://openrouter.ai/api/v1
    model: meta-llama/llama-4-maverick
    min_response_length: 20
  - name: local
    kind: ollama
    model: llama3
logging:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("ITEMFORGE_SCHEDULER_MAX_PER_CALLER", "5")
	t.Setenv("ITEMFORGE_RETRY_INITIAL_INTERVAL", "250ms")

	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := loader.Config()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 5, cfg.Scheduler.MaxPerCaller)
	assert.Equal(t, "reject", cfg.Scheduler.OverflowPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval.Duration())
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "openai", cfg.Providers[0].Kind)
	assert.Equal(t, 20, cfg.Providers[0].MinResponseLength)
	assert.Equal(t, 120*time.Second, cfg.Providers[1].Timeout.Duration())

	p, ok := cfg.Provider("local")
	require.True(t, ok)
	assert.Equal(t, "ollama", p.Kind)

	var section struct {
		Format string `koanf:"format"`
	}
	require.NoError(t, loader.Section("logging", &section))
	assert.Equal(t, "console", section.Format)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadWithFile_RejectsWorldWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "itemforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "scheduler.max_workers", envKey("ITEMFORGE_SCHEDULER_MAX_WORKERS"))
	assert.Equal(t, "auth.keys", envKey("ITEMFORGE_AUTH_KEYS"))
	assert.Equal(t, "auth.keys", envKey("ITEMFORGE_API_KEYS"))
	assert.Equal(t, "debug", envKey("ITEMFORGE_DEBUG"))
}

func TestSecret_NeverSerialized(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))

	data, err := json.Marshal(struct{ Key Secret }{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-live-123")
	assert.Equal(t, "sk-live-123", s.Value())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
}
