package reliability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransient marks failures the reliability layer gave up on. Callers
// convert it into a node failure.
var ErrTransient = errors.New("transient provider failure")

// ErrShortResponse is recorded when a response is below the link minimum.
var ErrShortResponse = errors.New("response shorter than minimum length")

// Rejection records why one provider in a chain pass was skipped.
type Rejection struct {
	Provider string
	Reason   string
	Err      error
}

// ChainError is returned when every provider in one chain pass was rejected.
type ChainError struct {
	Rejections []Rejection
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Provider, r.Reason))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes ErrTransient and each provider error.
func (e *ChainError) Unwrap() []error {
	errs := []error{ErrTransient}
	for _, r := range e.Rejections {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// ExhaustedError is returned when every retry attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     *ChainError
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Last}
}
