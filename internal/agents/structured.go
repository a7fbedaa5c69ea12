package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/provider"
	"github.com/fyrsmithlabs/itemforge/internal/scoring"
)

// fixerMemory is how many recent parse errors are shown to the fixer.
const fixerMemory = 3

// Fixer decodes structured agent output. When the output does not parse it
// asks the same agent, at temperature 0, to repair it.
type Fixer struct {
	MaxAttempts int
	Logger      *logging.Logger
}

// NewFixer creates a fixer from the json_fix settings.
func NewFixer(cfg config.JSONFixConfig, logger *logging.Logger) *Fixer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Fixer{MaxAttempts: cfg.MaxAttempts, Logger: logger}
}

// StructuredError is returned when output still does not parse after every
// repair attempt.
type StructuredError struct {
	Agent    string
	Attempts int
	Errs     []error
}

func (e *StructuredError) Error() string {
	last := "unknown error"
	if len(e.Errs) > 0 {
		last = e.Errs[len(e.Errs)-1].Error()
	}
	return fmt.Sprintf("%s: no valid JSON after %d repair attempts: %s", e.Agent, e.Attempts, last)
}

// Unwrap marks the failure as malformed output.
func (e *StructuredError) Unwrap() []error {
	return append([]error{provider.ErrMalformed}, e.Errs...)
}

// checker is implemented by outputs with constraints beyond the JSON shape.
type checker interface {
	check() error
}

// CallJSON sends req through a and decodes the answer into T. It returns
// the decoded value and the JSON text it came from. Provider errors are
// returned unchanged; parse failures end in *StructuredError.
func CallJSON[T any](ctx context.Context, f *Fixer, a Agent, req provider.Request, schema string) (T, string, error) {
	var zero T
	resp, err := a.Caller.Call(ctx, req)
	if err != nil {
		return zero, "", err
	}

	maxAttempts := 0
	if f != nil {
		maxAttempts = f.MaxAttempts
	}
	logger := logging.Nop()
	if f != nil && f.Logger != nil {
		logger = f.Logger
	}

	text := resp.Text
	var errs []error
	for attempt := 0; ; attempt++ {
		out, raw, perr := decode[T](text)
		if perr == nil {
			if attempt > 0 {
				logger.Info(ctx, "structured output repaired",
					zap.String("agent", a.Name), zap.Int("attempts", attempt))
			}
			return out, raw, nil
		}
		errs = append(errs, perr)
		if attempt >= maxAttempts {
			return zero, "", &StructuredError{Agent: a.Name, Attempts: attempt, Errs: errs}
		}

		logger.Warn(ctx, "structured output invalid, asking fixer",
			zap.String("agent", a.Name), zap.Int("attempt", attempt+1), zap.Error(perr))

		fix := provider.Request{
			Model:       a.Model,
			System:      fixerSystem,
			Prompt:      fmt.Sprintf(fixerTask, schema, text, recentErrors(errs)),
			Temperature: 0,
			MaxTokens:   a.MaxTokens,
		}
		resp, err = a.Caller.Call(ctx, fix)
		if err != nil {
			return zero, "", err
		}
		text = resp.Text
	}
}

func decode[T any](text string) (T, string, error) {
	var out T
	raw, err := scoring.ExtractJSON(text)
	if err != nil {
		return out, "", err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, "", err
	}
	if c, ok := any(&out).(checker); ok {
		if err := c.check(); err != nil {
			return out, "", err
		}
	}
	return out, raw, nil
}

func recentErrors(errs []error) string {
	if len(errs) > fixerMemory {
		errs = errs[len(errs)-fixerMemory:]
	}
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = "- " + err.Error()
	}
	return strings.Join(lines, "\n")
}
