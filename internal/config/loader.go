package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "ITEMFORGE_"
)

// Loader holds merged configuration from a YAML file and the environment.
//
// Sections owned by other packages (logging, telemetry) are decoded with
// Section so that this package does not import them.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader reads configPath (if it exists) and then applies environment
// overrides.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ITEMFORGE_SCHEDULER_MAX_WORKERS, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to keys by stripping the prefix and splitting on
// the first underscore:
//
//	ITEMFORGE_SCHEDULER_MAX_WORKERS -> scheduler.max_workers
//	ITEMFORGE_AUTH_KEYS             -> auth.keys
//	ITEMFORGE_API_KEYS              -> auth.keys
//	ITEMFORGE_STORE_POSTGRES_DSN    -> store.postgres_dsn
func NewLoader(configPath string) (*Loader, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &Loader{k: k}, nil
}

// envAliases are environment names that do not follow SECTION_FIELD.
var envAliases = map[string]string{
	"api_keys": "auth.keys",
}

// envKey maps ITEMFORGE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if alias, ok := envAliases[lower]; ok {
		return alias
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Config unmarshals the service configuration, applies defaults and validates it.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Section unmarshals the subtree at path into out. Missing sections leave
// out untouched, so callers can pre-populate defaults.
func (l *Loader) Section(path string, out interface{}) error {
	if !l.k.Exists(path) {
		return nil
	}
	if err := l.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

// LoadWithFile is shorthand for NewLoader(configPath) followed by Config().
func LoadWithFile(configPath string) (*Config, error) {
	l, err := NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// readConfigFile returns nil content if the file does not exist.
// The file is validated through the opened descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties rejects group/world-writable or oversized files.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
