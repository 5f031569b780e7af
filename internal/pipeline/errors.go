package pipeline

import (
	"fmt"

	"github.com/jkaflik/histsync/internal/lock"
	"github.com/jkaflik/histsync/internal/watermark"
)

// ErrRunInProgress is returned when another run of the same stream holds the lock.
var ErrRunInProgress = lock.ErrHeld

// RunError is a failed run. The watermark of the stream is unchanged.
type RunError struct {
	StreamID  string
	RunID     string
	Step      State
	Attempted watermark.Watermark
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s of stream %s failed in %s (attempted watermark %s): %v",
		e.RunID, e.StreamID, e.Step, e.Attempted, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
