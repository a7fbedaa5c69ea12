package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCapacityExceeded is returned when the worker pool is full and the
	// run cannot be queued.
	ErrCapacityExceeded = errors.New("scheduler capacity exceeded")

	// ErrNotFound is returned for unknown run IDs.
	ErrNotFound = errors.New("run not found")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("scheduler is shut down")
)

// Rejection reasons.
const (
	ReasonMinute      = "minute"
	ReasonDaily       = "daily"
	ReasonConcurrency = "concurrency"
	ReasonCapacity    = "capacity"
)

// AdmissionRejected is returned synchronously when a submission is refused.
type AdmissionRejected struct {
	CallerID   string
	Reason     string
	RetryAfter time.Duration
}

func (e *AdmissionRejected) Error() string {
	msg := fmt.Sprintf("admission rejected for %s: %s limit", e.CallerID, e.Reason)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Second))
	}
	return msg
}

// Unwrap lets capacity rejections match ErrCapacityExceeded.
func (e *AdmissionRejected) Unwrap() error {
	if e.Reason == ReasonCapacity {
		return ErrCapacityExceeded
	}
	return nil
}
