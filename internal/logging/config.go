package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      string            `koanf:"level"`
	Format     string            `koanf:"format"`
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     bool              `koanf:"caller"`
	Stacktrace string            `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig controls log volume reduction below error level.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns config with production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: OutputConfig{
			Stdout: true,
			OTEL:   true, // no-op until telemetry supplies a LoggerProvider
		},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     true,
		Stacktrace: "error",
		Fields: map[string]string{
			"service": "itemforge",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"api_key", "authorization", "x-api-key", "token", "secret", "dsn",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`\bsk-[A-Za-z0-9_-]{8,}`,
				`\btvly-[A-Za-z0-9_-]{8,}`,
			},
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if _, err := LevelFromString(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Stacktrace != "" {
		if _, err := LevelFromString(c.Stacktrace); err != nil {
			return fmt.Errorf("invalid stacktrace level %q: %w", c.Stacktrace, err)
		}
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}

func (c *Config) level() zapcore.Level {
	l, _ := LevelFromString(c.Level)
	return l
}
