// Package config provides configuration loading for itemforge.
//
// Service settings (server, scheduler, providers, storage, messaging) are
// loaded from YAML with environment overrides. Agent behavior settings
// (models, temperatures, item counts) are loaded from agents.toml.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete itemforge service configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Auth      AuthConfig       `koanf:"auth"`
	Scheduler SchedulerConfig  `koanf:"scheduler"`
	Retry     RetryConfig      `koanf:"retry"`
	Gate      GateConfig       `koanf:"gate"`
	Providers []ProviderConfig `koanf:"providers"`
	Injection InjectionConfig  `koanf:"injection"`
	Research  ResearchConfig   `koanf:"research"`
	Store     StoreConfig      `koanf:"store"`
	NATS      NATSConfig       `koanf:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds API key configuration.
//
// Keys is a comma-separated list of caller:key pairs, e.g.
// "alice:key-a,bob:key-b". An empty value enables the development key.
type AuthConfig struct {
	Keys Secret `koanf:"keys"`
}

// SchedulerConfig bounds concurrent pipeline runs.
type SchedulerConfig struct {
	MaxWorkers     int    `koanf:"max_workers"`
	MaxPerCaller   int    `koanf:"max_per_caller"`
	RateLimitRPM   int    `koanf:"rate_limit_rpm"`
	RateLimitDaily int    `koanf:"rate_limit_daily"`
	OverflowPolicy string `koanf:"overflow_policy"` // queue | reject
	MaxQueue       int    `koanf:"max_queue"`
}

// RetryConfig is the outer retry policy wrapped around every provider chain.
type RetryConfig struct {
	MaxAttempts     int      `koanf:"max_attempts"`
	InitialInterval Duration `koanf:"initial_interval"`
	BackoffFactor   float64  `koanf:"backoff_factor"`
	MaxInterval     Duration `koanf:"max_interval"`
}

// GateConfig holds the thresholds of the deterministic keep/revise/discard gate.
type GateConfig struct {
	ScaleMax           int     `koanf:"scale_max"`
	ContentMin         float64 `koanf:"content_min"`
	DistinctMin        float64 `koanf:"distinct_min"`
	KeepBiasFloor      int     `koanf:"keep_bias_floor"`
	KeepLingFloor      int     `koanf:"keep_ling_floor"`
	DiscardBiasCeiling int     `koanf:"discard_bias_ceiling"`
	DiscardLingCeiling int     `koanf:"discard_ling_ceiling"`
}

// ProviderConfig describes one inference backend.
type ProviderConfig struct {
	Name              string   `koanf:"name"`
	Kind              string   `koanf:"kind"` // openai | ollama
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	Timeout           Duration `koanf:"timeout"`
	MinResponseLength int      `koanf:"min_response_length"`
	RequestsPerSecond float64  `koanf:"requests_per_second"` // 0 disables
	Burst             int      `koanf:"burst"`
	Disabled          bool     `koanf:"disabled"`
}

// InjectionConfig configures the feedback injection-defense gate.
type InjectionConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Threshold      float64 `koanf:"threshold"`
	MinInputLength int     `koanf:"min_input_length"`
	Primary        string  `koanf:"primary"`
	Secondary      string  `koanf:"secondary"`
}

// ResearchConfig configures the web research provider and its cache.
type ResearchConfig struct {
	Enabled  bool     `koanf:"enabled"`
	BaseURL  string   `koanf:"base_url"`
	APIKey   Secret   `koanf:"api_key"`
	CacheTTL Duration `koanf:"cache_ttl"`
	Timeout  Duration `koanf:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `koanf:"driver"` // memory | badger | postgres
	Path        string `koanf:"path"`
	InMemory    bool   `koanf:"in_memory"`
	PostgresDSN Secret `koanf:"postgres_dsn"`
}

// NATSConfig configures run lifecycle event publishing.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// NewDefault returns a configuration populated with defaults.
func NewDefault() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Scheduler.MaxWorkers == 0 {
		cfg.Scheduler.MaxWorkers = 10
	}
	if cfg.Scheduler.MaxPerCaller == 0 {
		cfg.Scheduler.MaxPerCaller = 3
	}
	if cfg.Scheduler.RateLimitRPM == 0 {
		cfg.Scheduler.RateLimitRPM = 10
	}
	if cfg.Scheduler.RateLimitDaily == 0 {
		cfg.Scheduler.RateLimitDaily = 100
	}
	if cfg.Scheduler.OverflowPolicy == "" {
		cfg.Scheduler.OverflowPolicy = "queue"
	}
	if cfg.Scheduler.MaxQueue == 0 {
		cfg.Scheduler.MaxQueue = 100
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = Duration(time.Second)
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = Duration(30 * time.Second)
	}

	if cfg.Gate.ScaleMax == 0 {
		cfg.Gate.ScaleMax = 7
	}
	if cfg.Gate.ContentMin == 0 {
		cfg.Gate.ContentMin = 0.83
	}
	if cfg.Gate.DistinctMin == 0 {
		cfg.Gate.DistinctMin = 0.35
	}
	if cfg.Gate.KeepBiasFloor == 0 {
		cfg.Gate.KeepBiasFloor = 4
	}
	if cfg.Gate.KeepLingFloor == 0 {
		cfg.Gate.KeepLingFloor = 4
	}
	if cfg.Gate.DiscardBiasCeiling == 0 {
		cfg.Gate.DiscardBiasCeiling = 2
	}
	if cfg.Gate.DiscardLingCeiling == 0 {
		cfg.Gate.DiscardLingCeiling = 2
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Kind == "" {
			p.Kind = "openai"
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(120 * time.Second)
		}
	}

	if cfg.Injection.Threshold == 0 {
		cfg.Injection.Threshold = 0.7
	}
	if cfg.Injection.MinInputLength == 0 {
		cfg.Injection.MinInputLength = 10
	}

	if cfg.Research.BaseURL == "" {
		cfg.Research.BaseURL = "https://api.tavily.com"
	}
	if cfg.Research.CacheTTL == 0 {
		cfg.Research.CacheTTL = Duration(24 * time.Hour)
	}
	if cfg.Research.Timeout == 0 {
		cfg.Research.Timeout = Duration(30 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Scheduler.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_workers must be >= 1, got %d", c.Scheduler.MaxWorkers))
	}
	if c.Scheduler.MaxPerCaller < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_per_caller must be >= 1, got %d", c.Scheduler.MaxPerCaller))
	}
	if c.Scheduler.RateLimitRPM < 1 || c.Scheduler.RateLimitDaily < 1 {
		errs = append(errs, errors.New("scheduler rate limits must be >= 1"))
	}
	switch c.Scheduler.OverflowPolicy {
	case "queue", "reject":
	default:
		errs = append(errs, fmt.Errorf("scheduler.overflow_policy must be 'queue' or 'reject', got %q", c.Scheduler.OverflowPolicy))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %v", c.Retry.BackoffFactor))
	}

	if c.Gate.ScaleMax < 2 {
		errs = append(errs, fmt.Errorf("gate.scale_max must be >= 2, got %d", c.Gate.ScaleMax))
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("provider name is required"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if p.Kind != "openai" && p.Kind != "ollama" {
			errs = append(errs, fmt.Errorf("provider %q: kind must be 'openai' or 'ollama', got %q", p.Name, p.Kind))
		}
		if p.MinResponseLength < 0 {
			errs = append(errs, fmt.Errorf("provider %q: min_response_length must be >= 0", p.Name))
		}
		if p.RequestsPerSecond < 0 || p.Burst < 0 {
			errs = append(errs, fmt.Errorf("provider %q: requests_per_second and burst must be >= 0", p.Name))
		}
	}

	if c.Injection.Threshold < 0 || c.Injection.Threshold > 1 {
		errs = append(errs, fmt.Errorf("injection.threshold must be between 0 and 1, got %v", c.Injection.Threshold))
	}
	if c.Injection.Enabled && c.Injection.Primary != "" && c.Injection.Primary == c.Injection.Secondary {
		errs = append(errs, errors.New("injection.primary and injection.secondary must be different backends"))
	}

	switch c.Store.Driver {
	case "memory":
	case "badger":
		if c.Store.Path == "" && !c.Store.InMemory {
			errs = append(errs, errors.New("store.path is required for the badger driver"))
		}
	case "postgres":
		if !c.Store.PostgresDSN.IsSet() {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, badger or postgres, got %q", c.Store.Driver))
	}

	return errors.Join(errs...)
}

// Provider returns the provider configuration with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
