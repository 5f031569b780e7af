// Package extract pulls the candidate rows of a run out of the source.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/failure"
	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/source"
	"github.com/jkaflik/histsync/internal/watermark"
	"github.com/jkaflik/histsync/pkg/channel"
)

// Appender receives the extracted rows of a run, one UTC day partition per call.
type Appender interface {
	Append(ctx context.Context, streamID, runID string, rows []record.Row) error
}

// Result is the candidate set of a run.
type Result struct {
	Rows []record.Row
	// Max is the greatest (version_ts, entity_id) extracted; valid when Rows is not empty.
	Max watermark.Watermark
	// Dropped counts rows the source returned that did not satisfy the predicate.
	Dropped int
}

type Extractor struct {
	streamID     string
	src          source.Source
	appender     Appender
	safetyWindow time.Duration
	batchSize    int
}

type Option func(*Extractor)

// WithAppender writes every extracted row to a delta log.
func WithAppender(a Appender) Option {
	return func(e *Extractor) {
		e.appender = a
	}
}

func WithSafetyWindow(d time.Duration) Option {
	return func(e *Extractor) {
		e.safetyWindow = d
	}
}

// WithBatchSize bounds the rows per delta log append.
func WithBatchSize(n int) Option {
	return func(e *Extractor) {
		e.batchSize = n
	}
}

func New(streamID string, src source.Source, opts ...Option) *Extractor {
	e := &Extractor{
		streamID:  streamID,
		src:       src,
		batchSize: 5000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Predicate returns the selection used for a run starting at wm.
func (e *Extractor) Predicate(wm watermark.Watermark) source.Predicate {
	return source.Predicate{Watermark: wm, SafetyWindow: e.safetyWindow}
}

// Extract reads every row matching the predicate of wm. A failed or truncated
// read is reported as a failure.SourceReadError and no rows are returned.
func (e *Extractor) Extract(ctx context.Context, runID string, wm watermark.Watermark) (Result, error) {
	p := e.Predicate(wm)

	rows := make(chan record.Row)
	srcErr := make(chan error, 1)
	go func() {
		defer close(rows)
		srcErr <- e.src.Extract(ctx, p, func(r record.Row) error {
			select {
			case rows <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var dropped atomic.Int64
	// The source keeps reading while rows wait in batching.
	matched := channel.Filter(channel.Buffered(rows, e.batchSize), func(r record.Row) bool {
		if p.Match(r) {
			return true
		}
		dropped.Add(1)
		return false
	})

	batches, _ := channel.Batch(matched, channel.BatchOptions[record.Row]{
		MaxSize:     e.batchSize,
		MaxWait:     10 * time.Second,
		PartitionBy: dayPartition,
	})

	var (
		res     Result
		pending [][]record.Row
	)
	for batch := range batches {
		res.Rows = append(res.Rows, batch...)
		pending = append(pending, batch)
	}

	if err := <-srcErr; err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, &failure.SourceReadError{Err: err}
	}

	// Nothing reaches the delta log from a failed read. A failed append may
	// leave earlier batches of the run behind; the retry appends them again.
	if e.appender != nil {
		for _, batch := range pending {
			if err := e.appender.Append(ctx, e.streamID, runID, batch); err != nil {
				return Result{}, fmt.Errorf("failed to append %d rows to delta log: %w", len(batch), err)
			}
		}
	}

	for i, r := range res.Rows {
		pos := watermark.Watermark{TS: r.VersionTS, ID: r.EntityID}
		if i == 0 {
			res.Max = pos
			continue
		}
		res.Max = res.Max.Max(pos)
	}
	res.Dropped = int(dropped.Load())

	log.Debug().
		Str("stream", e.streamID).
		Str("run", runID).
		Int("rows", len(res.Rows)).
		Int("dropped", res.Dropped).
		Stringer("max", res.Max).
		Msg("Extracted candidate rows")

	return res, nil
}

func dayPartition(r record.Row) (string, error) {
	return r.VersionTS.UTC().Format(time.DateOnly), nil
}
