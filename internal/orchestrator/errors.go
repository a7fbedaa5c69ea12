package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/itemforge/internal/provider"
	"github.com/fyrsmithlabs/itemforge/internal/reliability"
)

var (
	// ErrNotSuspended is returned by Resume when the run is not waiting
	// for approval.
	ErrNotSuspended = errors.New("run is not suspended")

	// ErrChecksumMismatch is returned when a checkpoint does not match its
	// recorded checksum.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")

	// ErrCheckpointVersion is returned for checkpoints written by an
	// incompatible version.
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")
)

// FailureKind classifies a NodeFailure.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureMalformed FailureKind = "malformed"
	FailureAlignment FailureKind = "alignment"
	FailureInternal  FailureKind = "internal"
)

// NodeFailure is returned by a Node that could not produce a patch.
type NodeFailure struct {
	Node   string
	Kind   FailureKind
	Detail string
	Err    error
}

func (e *NodeFailure) Error() string {
	msg := fmt.Sprintf("node %s failed (%s)", e.Node, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NodeFailure) Unwrap() error { return e.Err }

// Fail wraps err as a NodeFailure for node, classifying reliability and
// alignment errors.
func Fail(node string, err error, detail string) *NodeFailure {
	var nf *NodeFailure
	if errors.As(err, &nf) {
		return nf
	}
	kind := FailureInternal
	var ae *AlignmentError
	switch {
	case errors.As(err, &ae):
		kind = FailureAlignment
	case errors.Is(err, reliability.ErrTransient):
		kind = FailureTransient
	case errors.Is(err, provider.ErrMalformed):
		kind = FailureMalformed
	}
	return &NodeFailure{Node: node, Kind: kind, Detail: detail, Err: err}
}

// AlignmentError reports generated output that cannot be matched to the
// active item numbers.
type AlignmentError struct {
	Expected []int
	Got      int
	Detail   string
}

func (e *AlignmentError) Error() string {
	msg := fmt.Sprintf("cannot align %d generated items to %d active items %v", e.Got, len(e.Expected), e.Expected)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// RunError wraps every fatal error that leaves the dispatcher.
type RunError struct {
	RunID        string
	Phase        Phase
	Round        int
	CheckpointID string
	Err          error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s failed in %s (round %d)", e.RunID, e.Phase, e.Round)
	if e.CheckpointID != "" {
		msg += fmt.Sprintf(" after checkpoint %s", e.CheckpointID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error { return e.Err }
