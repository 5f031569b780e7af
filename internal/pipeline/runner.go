// Package pipeline runs the steps of an extraction run and owns the watermark commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/dedup"
	"github.com/jkaflik/histsync/internal/extract"
	"github.com/jkaflik/histsync/internal/failure"
	"github.com/jkaflik/histsync/internal/fingerprint"
	"github.com/jkaflik/histsync/internal/history"
	"github.com/jkaflik/histsync/internal/lock"
	"github.com/jkaflik/histsync/internal/metrics"
	"github.com/jkaflik/histsync/internal/projector"
	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/watermark"
	"github.com/jkaflik/histsync/internal/window"
	"github.com/jkaflik/histsync/pkg/retry"
)

// QuarantineStore keeps rows the deduplicator refused.
type QuarantineStore interface {
	Quarantine(ctx context.Context, runID string, rows []record.Quarantined) error
}

// Stages are the collaborators of a run, in data flow order.
type Stages struct {
	Watermarks   watermark.Store
	Extractor    *extract.Extractor
	Deduplicator *dedup.Deduplicator
	Detector     *fingerprint.Detector
	History      *history.Engine
	Projector    *projector.Projector
	Window       *window.Materializer
}

func (s Stages) validate() error {
	switch {
	case s.Watermarks == nil:
		return errors.New("watermark store is required")
	case s.Extractor == nil:
		return errors.New("extractor is required")
	case s.Deduplicator == nil:
		return errors.New("deduplicator is required")
	case s.Detector == nil:
		return errors.New("change detector is required")
	case s.History == nil:
		return errors.New("history engine is required")
	case s.Projector == nil:
		return errors.New("projector is required")
	case s.Window == nil:
		return errors.New("window materializer is required")
	}
	return nil
}

// Report describes a finished run, successful or not.
type Report struct {
	StreamID string
	RunID    string
	// ReplayOf is the run whose delta rows were replayed, empty for regular runs.
	ReplayOf   string
	StartedAt  time.Time
	FinishedAt time.Time
	FinalState State

	Previous  watermark.Watermark
	Attempted watermark.Watermark
	Committed bool

	Extracted   int
	Dropped     int
	Collapsed   int
	Quarantined int
	Changes     int

	History   history.Result
	Projected int
	Window    window.Result
}

type Runner struct {
	streamID string
	stages   Stages

	quarantine    QuarantineStore
	locker        lock.Locker
	lockWait      bool
	retryConf     retry.Config
	commitTimeout time.Duration
	now           func() time.Time
	newRunID      func() string
	onTransition  func(from, to State)

	state atomic.Int32
}

type Option func(*Runner)

// WithLocker guards runs with a per-stream lock. With wait set a run blocks
// for the lock instead of failing with ErrRunInProgress.
func WithLocker(l lock.Locker, wait bool) Option {
	return func(r *Runner) {
		r.locker = l
		r.lockWait = wait
	}
}

func WithQuarantine(q QuarantineStore) Option {
	return func(r *Runner) {
		r.quarantine = q
	}
}

// WithRetryConfig sets the backoff of step retries.
func WithRetryConfig(c retry.Config) Option {
	return func(r *Runner) {
		r.retryConf = c
	}
}

// WithCommitTimeout bounds the watermark commit, which ignores cancellation of the run.
func WithCommitTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.commitTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

func WithRunIDs(next func() string) Option {
	return func(r *Runner) {
		r.newRunID = next
	}
}

// WithTransitionHook is called on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(r *Runner) {
		r.onTransition = fn
	}
}

func NewRunner(streamID string, stages Stages, opts ...Option) (*Runner, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	if err := stages.validate(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", streamID, err)
	}

	r := &Runner{
		streamID:      streamID,
		stages:        stages,
		locker:        lock.NewMemory(),
		retryConf:     retry.DefaultConfig(),
		commitTimeout: 30 * time.Second,
		now:           time.Now,
		newRunID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) StreamID() string {
	return r.streamID
}

// State returns the current step of the runner.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) enter(to State) {
	from := State(r.state.Swap(int32(to)))
	metrics.RunState.WithLabelValues(r.streamID).Set(float64(to))
	if r.onTransition != nil && from != to {
		r.onTransition(from, to)
	}
}

// run carries the state of one run across steps.
type run struct {
	report *Report
	logger zerolog.Logger
}

func (r *Runner) begin(ctx context.Context, replayOf string) (*run, func(), error) {
	runID := r.newRunID()
	report := &Report{
		StreamID:  r.streamID,
		RunID:     runID,
		ReplayOf:  replayOf,
		StartedAt: r.now().UTC(),
	}

	release, err := r.locker.Acquire(ctx, r.streamID, r.lockWait)
	if err != nil {
		report.FinishedAt = r.now().UTC()
		report.FinalState = r.State()
		return &run{report: report}, nil, &RunError{StreamID: r.streamID, RunID: runID, Step: Idle, Err: err}
	}

	return &run{
		report: report,
		logger: log.With().Str("stream", r.streamID).Str("run", runID).Logger(),
	}, release, nil
}

// Run performs one run: extract from the committed watermark, dedup,
// historize, project, refresh the window and commit the new watermark.
// On failure the watermark is left untouched and a *RunError is returned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rn, release, err := r.begin(ctx, "")
	if err != nil {
		return rn.report, err
	}
	defer release()

	report := rn.report
	rn.logger.Info().Msg("Run started")

	r.enter(Extracting)
	var prev watermark.Watermark
	err = r.step(ctx, rn, Extracting, func(ctx context.Context) error {
		var err error
		prev, err = r.stages.Watermarks.Read(ctx, r.streamID)
		if err != nil {
			return fmt.Errorf("failed to read watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return r.fail(rn, Extracting, err)
	}
	report.Previous = prev
	report.Attempted = prev

	var extracted extract.Result
	err = r.step(ctx, rn, Extracting, func(ctx context.Context) error {
		var err error
		extracted, err = r.stages.Extractor.Extract(ctx, report.RunID, prev)
		return err
	})
	if err != nil {
		return r.fail(rn, Extracting, err)
	}
	report.Extracted = len(extracted.Rows)
	report.Dropped = extracted.Dropped
	if len(extracted.Rows) > 0 {
		report.Attempted = prev.Max(extracted.Max)
	}
	metrics.RowsExtracted.WithLabelValues(r.streamID).Add(float64(report.Extracted))

	if step, err := r.process(ctx, rn, extracted.Rows); err != nil {
		return r.fail(rn, step, err)
	}

	if err := ctx.Err(); err != nil {
		return r.fail(rn, Windowing, err)
	}

	r.enter(CommittingWatermark)
	if err := r.commit(ctx, rn); err != nil {
		return r.fail(rn, CommittingWatermark, err)
	}

	return r.succeed(rn), nil
}

// process runs the steps from deduplication to the window refresh.
func (r *Runner) process(ctx context.Context, rn *run, rows []record.Row) (State, error) {
	report := rn.report

	r.enter(Deduping)
	deduped := r.stages.Deduplicator.Dedup(rows)
	report.Collapsed = deduped.Collapsed
	report.Quarantined = len(deduped.Quarantined)
	metrics.RowsDeduplicated.WithLabelValues(r.streamID).Add(float64(deduped.Collapsed))
	metrics.RowsQuarantined.WithLabelValues(r.streamID).Add(float64(len(deduped.Quarantined)))
	for _, c := range deduped.Conflicts {
		rn.logger.Warn().Err(c).Msg("Conflicting rows quarantined")
	}

	if len(deduped.Quarantined) > 0 && r.quarantine != nil {
		err := r.step(ctx, rn, Deduping, func(ctx context.Context) error {
			return r.quarantine.Quarantine(ctx, report.RunID, deduped.Quarantined)
		})
		if err != nil {
			return Deduping, err
		}
	}

	changes, err := r.stages.Detector.Detect(deduped.Rows)
	if err != nil {
		return Deduping, err
	}
	report.Changes = len(changes)

	r.enter(Historizing)
	err = r.step(ctx, rn, Historizing, func(ctx context.Context) error {
		var err error
		report.History, err = r.stages.History.Apply(ctx, changes)
		return err
	})
	if err != nil {
		return Historizing, err
	}
	transitions := metrics.HistoryTransitions.MustCurryWith(map[string]string{"stream": r.streamID})
	transitions.WithLabelValues("inserted").Add(float64(report.History.Inserted))
	transitions.WithLabelValues("superseded").Add(float64(report.History.Closed))
	transitions.WithLabelValues("unchanged").Add(float64(report.History.Unchanged))
	transitions.WithLabelValues("stale").Add(float64(report.History.Stale))

	r.enter(Projecting)
	var projected projector.Result
	err = r.step(ctx, rn, Projecting, func(ctx context.Context) error {
		var err error
		projected, err = r.stages.Projector.Project(ctx, deduped.Rows)
		return err
	})
	if err != nil {
		return Projecting, err
	}
	report.Projected = projected.Upserted
	metrics.AttributesUpserted.WithLabelValues(r.streamID).Add(float64(projected.Upserted))

	r.enter(Windowing)
	touched := union(report.History.Touched, projected.Entities)
	err = r.step(ctx, rn, Windowing, func(ctx context.Context) error {
		var err error
		report.Window, err = r.stages.Window.Materialize(ctx, report.StartedAt, touched)
		return err
	})
	if err != nil {
		return Windowing, err
	}
	metrics.WindowRows.WithLabelValues(r.streamID, string(report.Window.Strategy)).Set(float64(report.Window.Rows))

	return Windowing, nil
}

// commit writes the attempted watermark. It runs detached from cancellation of
// the run; an error is followed by a read to find out whether the write landed.
func (r *Runner) commit(ctx context.Context, rn *run) error {
	report := rn.report

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.commitTimeout)
	defer cancel()

	err := r.stages.Watermarks.Commit(cctx, r.streamID, report.Attempted, report.RunID)
	if err == nil {
		report.Committed = true
		return nil
	}

	rn.logger.Warn().Err(err).Stringer("attempted", report.Attempted).Msg("Watermark commit failed, verifying")

	got, readErr := r.stages.Watermarks.Read(cctx, r.streamID)
	if readErr == nil && got.Compare(report.Attempted) == 0 {
		rn.logger.Info().Stringer("watermark", got).Msg("Watermark commit verified")
		report.Committed = true
		return nil
	}

	return &failure.WatermarkCommitError{
		StreamID:  r.streamID,
		Attempted: report.Attempted.String(),
		Err:       errors.Join(err, readErr),
	}
}

// step runs fn with retries while its error is retryable.
func (r *Runner) step(ctx context.Context, rn *run, state State, fn retry.RetryableFunc) error {
	start := time.Now()
	defer func() {
		metrics.StepDuration.WithLabelValues(r.streamID, state.String()).Observe(time.Since(start).Seconds())
	}()

	return retry.DoWithCallbacks(ctx, fn, failure.IsRetryable, r.retryConf, retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, backoff time.Duration) {
			metrics.StepRetryAttempts.WithLabelValues(r.streamID, state.String()).Inc()
			rn.logger.Warn().
				Err(err).
				Str("step", state.String()).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying step")
		},
		OnRetryFailure: func(attempt int, err error) {
			rn.logger.Error().
				Err(err).
				Str("step", state.String()).
				Int("attempts", attempt+1).
				Msg("Step failed after retries")
		},
	})
}

func (r *Runner) fail(rn *run, step State, err error) (*Report, error) {
	r.enter(Failed)

	report := rn.report
	report.FinishedAt = r.now().UTC()
	report.FinalState = Failed

	metrics.RunsTotal.WithLabelValues(r.streamID, "failed").Inc()
	metrics.RunDuration.WithLabelValues(r.streamID).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	runErr := &RunError{
		StreamID:  r.streamID,
		RunID:     report.RunID,
		Step:      step,
		Attempted: report.Attempted,
		Err:       err,
	}
	rn.logger.Error().Err(err).Str("step", step.String()).Stringer("attempted", report.Attempted).Msg("Run failed")
	return report, runErr
}

func (r *Runner) succeed(rn *run) *Report {
	r.enter(Idle)

	report := rn.report
	report.FinishedAt = r.now().UTC()
	report.FinalState = Idle

	status := "success"
	if report.ReplayOf != "" {
		status = "replayed"
	}
	metrics.RunsTotal.WithLabelValues(r.streamID, status).Inc()
	metrics.RunDuration.WithLabelValues(r.streamID).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	if report.Committed {
		metrics.WatermarkTimestamp.WithLabelValues(r.streamID).Set(float64(report.Attempted.TS.Unix()))
	}

	rn.logger.Info().
		Int("extracted", report.Extracted).
		Int("quarantined", report.Quarantined).
		Int("inserted", report.History.Inserted).
		Int("projected", report.Projected).
		Str("window_strategy", string(report.Window.Strategy)).
		Stringer("watermark", report.Attempted).
		Msg("Run finished")
	return report
}

func union(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
