package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/itemforge/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool            `koanf:"enabled"`
	Endpoint       string          `koanf:"endpoint"`
	Protocol       string          `koanf:"protocol"` // grpc | http/protobuf
	ServiceName    string          `koanf:"service_name"`
	ServiceVersion string          `koanf:"service_version"`
	Insecure       bool            `koanf:"insecure"`
	SampleRate     float64         `koanf:"sample_rate"`
	MetricInterval config.Duration `koanf:"metric_interval"`
	ShutdownAfter  config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns telemetry defaults. Telemetry is off until an
// OTLP endpoint is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "itemforge",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		SampleRate:     1.0,
		MetricInterval: config.Duration(15 * time.Second),
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be 'grpc' or 'http/protobuf', got %q", c.Protocol)
	}
	if c.Insecure && !isLocal(c.Endpoint) {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricInterval.Duration() <= 0 || c.ShutdownAfter.Duration() <= 0 {
		return fmt.Errorf("metric_interval and shutdown_timeout must be positive")
	}
	return nil
}

func isLocal(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
