package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration decoded from strings such as "90s" in YAML,
// TOML and environment variables.
type Duration time.Duration

// UnmarshalText parses a Go duration string. Negative values are rejected.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

const redacted = "[REDACTED]"

// Secret is a credential. It prints and marshals as [REDACTED]; Value
// returns the raw string.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }
