package pipeline

import (
	"context"
	"fmt"

	"github.com/jkaflik/histsync/internal/record"
)

// RunReader returns the delta rows an earlier run extracted.
type RunReader interface {
	ReadRun(ctx context.Context, streamID, runID string) ([]record.Row, error)
}

// Replay feeds the retained delta rows of runID through deduplication,
// history, projection and the window again. The watermark is neither read
// nor written; replaying an applied run leaves the history unchanged.
func (r *Runner) Replay(ctx context.Context, reader RunReader, runID string) (*Report, error) {
	rn, release, err := r.begin(ctx, runID)
	if err != nil {
		return rn.report, err
	}
	defer release()

	rn.logger.Info().Str("replay_of", runID).Msg("Replay started")

	r.enter(Extracting)
	var rows []record.Row
	err = r.step(ctx, rn, Extracting, func(ctx context.Context) error {
		var err error
		rows, err = reader.ReadRun(ctx, r.streamID, runID)
		return err
	})
	if err != nil {
		return r.fail(rn, Extracting, err)
	}
	if len(rows) == 0 {
		return r.fail(rn, Extracting, fmt.Errorf("no delta rows retained for run %s", runID))
	}
	rn.report.Extracted = len(rows)

	if step, err := r.process(ctx, rn, rows); err != nil {
		return r.fail(rn, step, err)
	}

	return r.succeed(rn), nil
}
