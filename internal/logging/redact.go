package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// RedactingEncoder masks sensitive keys and values that match known
// credential patterns (bearer tokens, provider API keys).
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the redaction rules in cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base, keys: make(map[string]bool)}
	if !cfg.Enabled {
		return e, nil
	}
	for _, k := range cfg.Fields {
		e.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *RedactingEncoder) scrub(val string) string {
	for _, re := range e.patterns {
		val = re.ReplaceAllString(val, redacted)
	}
	return val
}

func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone keeps redaction on child loggers created with With.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}

// EncodeEntry scrubs the message and the entry-level fields. Fields added
// through With are already scrubbed by the Add* methods above.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			clean[i] = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			clean[i] = zap.String(f.Key, e.scrub(f.String))
		default:
			clean[i] = f
		}
	}
	return e.Encoder.EncodeEntry(ent, clean)
}
