// Package failure defines the error taxonomy of a pipeline run.
package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/pkg/retry"
)

// SourceReadError is a failed or truncated read of the source. Retryable.
type SourceReadError struct {
	Err error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source read failed: %v", e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// DuplicateResolutionError reports candidate rows sharing one identity with
// conflicting content. The rows are quarantined, the run continues.
type DuplicateResolutionError struct {
	EntityID  string
	VersionTS time.Time
	Seq       int64
	Rows      int
}

func (e *DuplicateResolutionError) Error() string {
	return fmt.Sprintf("%d conflicting rows for entity %s at %s seq %d",
		e.Rows, e.EntityID, e.VersionTS.Format(time.RFC3339Nano), e.Seq)
}

// FingerprintMismatchRace means the current version of an entity changed
// underneath a transition. Fatal for the run; the whole run must be retried.
type FingerprintMismatchRace struct {
	EntityID string
	Expected record.Fingerprint
}

func (e *FingerprintMismatchRace) Error() string {
	return fmt.Sprintf("current version of entity %s no longer matches fingerprint %s", e.EntityID, e.Expected)
}

// WriteConflictError is warehouse-side contention on a write. Retryable.
type WriteConflictError struct {
	Op  string
	Err error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict during %s: %v", e.Op, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// WatermarkCommitError is a commit that could not be confirmed. Fatal for the run.
type WatermarkCommitError struct {
	StreamID  string
	Attempted string
	Err       error
}

func (e *WatermarkCommitError) Error() string {
	return fmt.Sprintf("watermark commit for stream %s at %s failed: %v", e.StreamID, e.Attempted, e.Err)
}

func (e *WatermarkCommitError) Unwrap() error { return e.Err }

// IsRetryable reports whether a step may be retried after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var race *FingerprintMismatchRace
	var commit *WatermarkCommitError
	if errors.As(err, &race) || errors.As(err, &commit) {
		return false
	}

	var read *SourceReadError
	var conflict *WriteConflictError
	if errors.As(err, &read) || errors.As(err, &conflict) {
		return true
	}

	return retry.IsNetworkError(err)
}

// IsRace reports whether err requires the whole run to be retried.
func IsRace(err error) bool {
	var race *FingerprintMismatchRace
	return errors.As(err, &race)
}
