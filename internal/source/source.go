// Package source defines how changed rows are pulled from the transactional store.
package source

import (
	"context"
	"time"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/watermark"
)

// Predicate selects the rows that may be new since a watermark:
//
//	version_ts > wm_ts - safety_window OR (version_ts = wm_ts AND entity_id > wm_id)
//
// The safety window re-reads a trailing period for rows that became visible
// late; the id tie-break keeps rows sharing the watermark timestamp.
type Predicate struct {
	Watermark    watermark.Watermark
	SafetyWindow time.Duration
}

// Lower is the exclusive lower bound of the time range clause.
func (p Predicate) Lower() time.Time {
	return p.Watermark.TS.Add(-p.SafetyWindow)
}

// Match evaluates the predicate against a row.
func (p Predicate) Match(r record.Row) bool {
	if r.VersionTS.After(p.Lower()) {
		return true
	}
	return r.VersionTS.Equal(p.Watermark.TS) && r.EntityID > p.Watermark.ID
}

// Source streams the rows matching a predicate ordered by (version_ts, entity_id).
// Extract returns only after every row was passed to fn, or with an error;
// a read that ends early must be reported as an error.
type Source interface {
	Extract(ctx context.Context, p Predicate, fn func(record.Row) error) error
}
