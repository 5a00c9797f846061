package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRangeRejected   = errors.New("transfer: server ignored range request")
	ErrRangeMismatch   = errors.New("transfer: response range does not match request")
	ErrResourceChanged = errors.New("transfer: remote resource changed during transfer")
	ErrLengthMismatch  = errors.New("transfer: final length does not match resource length")
	ErrStalled         = errors.New("transfer: no data received within the idle timeout")
)

// PlanError marks a chunk layout that cannot be trusted.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string {
	return "transfer: invalid plan: " + e.Reason
}

// StatusError is an unexpected HTTP status on a chunk request.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// writeError wraps local I/O failures, which retrying cannot fix.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return "transfer: write working file: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// ChunkError is a chunk that exhausted its attempts or hit a terminal error.
type ChunkError struct {
	Chunk    int
	Start    int64
	End      int64
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("transfer: chunk %d [%d,%d) failed after %d attempt(s): %v", e.Chunk, e.Start, e.End, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

type FinalizationError struct {
	Path string
	Err  error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("transfer: finalize %s: %v", e.Path, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }

// PersistenceError is a failed manifest save or discard. The transfer keeps
// going; only resumability suffers.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("transfer: %s manifest for %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// retryable classifies an attempt error. Transport errors, stalled bodies,
// short bodies, misaligned ranges and temporary statuses are retried.
func retryable(err error) bool {
	var se *StatusError
	var we *writeError
	switch {
	case errors.Is(err, ErrResourceChanged):
		return false
	case errors.As(err, &we):
		return false
	case errors.As(err, &se):
		return se.Temporary()
	}
	return true
}
