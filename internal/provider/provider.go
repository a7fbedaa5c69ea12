// Package provider defines the inference backend boundary and its adapters.
//
// A Client performs exactly one call against one backend. It does not retry
// or fall back; that is the job of the reliability package. Every error a
// Client returns is classified into one of the sentinel kinds below so the
// caller can tell a timeout from a rate limit from a malformed payload.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds. Use errors.Is against these.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrRateLimited = errors.New("provider rate limited")
	ErrMalformed   = errors.New("malformed provider response")
	ErrUnavailable = errors.New("provider unavailable")
)

// Request is one completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is a successful completion.
type Response struct {
	Text     string
	Model    string
	Provider string
	Latency  time.Duration
}

// Client calls one inference backend.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(code int) error {
	switch {
	case code == 429:
		return ErrRateLimited
	case code == 408 || code == 504:
		return ErrTimeout
	case code >= 500:
		return ErrUnavailable
	case code >= 400:
		return ErrMalformed
	default:
		return ErrUnavailable
	}
}

// wrapContextErr classifies deadline and cancellation errors.
func wrapContextErr(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: name, Kind: ErrTimeout, Err: err}
	}
	return &Error{Provider: name, Kind: ErrUnavailable, Err: err}
}

// Func adapts a function to Client. It is mainly useful in tests.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (*Response, error)
}

// Name implements Client.
func (f *Func) Name() string { return f.ID }

// Complete implements Client.
func (f *Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f.Fn(ctx, req)
}

// Static returns a Client that always answers text.
func Static(name, text string) *Func {
	return &Func{ID: name, Fn: func(_ context.Context, req Request) (*Response, error) {
		return &Response{Text: text, Model: req.Model, Provider: name}, nil
	}}
}
