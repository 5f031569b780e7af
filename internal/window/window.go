// Package window materializes the recent slice of the current view.
package window

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Strategy string

const (
	// Full replaces the whole window.
	Full Strategy = "full"
	// Incremental rebuilds only the day partitions holding touched entities.
	Incremental Strategy = "incremental"
	// Auto is incremental unless a run touched more entities than the threshold.
	Auto Strategy = "auto"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Full, Incremental, Auto:
		return Strategy(s), nil
	case "":
		return Auto, nil
	}
	return "", fmt.Errorf("unknown window strategy %q", s)
}

// Store holds the hot window: the current view rows whose attributes
// version_ts is at or after since.
type Store interface {
	// RebuildWindow atomically replaces the window and returns its row count.
	RebuildWindow(ctx context.Context, since time.Time) (int, error)
	// RefreshWindow rebuilds, in one transaction, the day partitions that held or
	// now hold any of entityIDs and evicts rows older than since. It returns the
	// number of rows written.
	RefreshWindow(ctx context.Context, since time.Time, entityIDs []string) (int, error)
}

type Result struct {
	Strategy Strategy
	Since    time.Time
	Rows     int
}

type Materializer struct {
	store     Store
	strategy  Strategy
	window    time.Duration
	threshold int
}

// New returns a materializer keeping rows of the last window. threshold is the
// touched entity count above which Auto switches to a full rebuild.
func New(store Store, strategy Strategy, window time.Duration, threshold int) *Materializer {
	return &Materializer{
		store:     store,
		strategy:  strategy,
		window:    window,
		threshold: threshold,
	}
}

// Choose returns the strategy used for a run that touched n entities.
func (m *Materializer) Choose(n int) Strategy {
	if m.strategy != Auto {
		return m.strategy
	}
	if m.threshold > 0 && n > m.threshold {
		return Full
	}
	return Incremental
}

// Materialize brings the window up to date. now is the start time of the run,
// so every step of a run agrees on the window bounds.
func (m *Materializer) Materialize(ctx context.Context, now time.Time, touched []string) (Result, error) {
	res := Result{
		Strategy: m.Choose(len(touched)),
		Since:    now.Add(-m.window).UTC(),
	}

	var err error
	switch res.Strategy {
	case Full:
		res.Rows, err = m.store.RebuildWindow(ctx, res.Since)
	case Incremental:
		res.Rows, err = m.store.RefreshWindow(ctx, res.Since, touched)
	default:
		return Result{}, fmt.Errorf("unknown window strategy %q", res.Strategy)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s window refresh failed: %w", res.Strategy, err)
	}

	log.Debug().
		Str("strategy", string(res.Strategy)).
		Time("since", res.Since).
		Int("rows", res.Rows).
		Int("touched", len(touched)).
		Msg("Hot window materialized")

	return res, nil
}
