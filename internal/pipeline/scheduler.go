package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/histsync/internal/failure"
)

// Scheduler runs every stream on a fixed cadence. A run that lost a race
// against a concurrent writer is retried at once, up to RaceRetries times;
// other failures wait for the next tick.
type Scheduler struct {
	Runners     []*Runner
	Interval    time.Duration
	RaceRetries int
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, runner := range s.Runners {
		g.Go(func() error {
			s.loop(gctx, runner)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, runner *Runner) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = s.RunOnce(ctx, runner)

		select {
		case <-ctx.Done():
			log.Info().Str("stream", runner.StreamID()).Msg("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a stream, retrying whole runs lost to a race.
func (s *Scheduler) RunOnce(ctx context.Context, runner *Runner) (*Report, error) {
	for attempt := 0; ; attempt++ {
		report, err := runner.Run(ctx)
		switch {
		case err == nil:
			return report, nil
		case errors.Is(err, ErrRunInProgress):
			log.Info().Str("stream", runner.StreamID()).Msg("Previous run still in progress, skipping")
			return report, err
		case failure.IsRace(err) && attempt < s.RaceRetries && ctx.Err() == nil:
			log.Warn().Err(err).Str("stream", runner.StreamID()).Int("attempt", attempt+1).Msg("Retrying run after race")
			continue
		}
		return report, err
	}
}
