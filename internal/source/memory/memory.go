// Package memory is an in-process source of rows.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/source"
)

// Source holds rows in memory and serves them like a source table would.
type Source struct {
	mu   sync.Mutex
	rows []record.Row

	// FailAfter makes Extract fail with Err after that many rows when Err is set.
	FailAfter int
	Err       error
}

func New(rows ...record.Row) *Source {
	s := &Source{}
	s.Put(rows...)
	return s
}

// Put appends rows to the source.
func (s *Source) Put(rows ...record.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		r.Fields = maps.Clone(r.Fields)
		s.rows = append(s.rows, r)
	}
}

// Upsert replaces the row of the same entity, the shape of a mutable table.
func (s *Source) Upsert(row record.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row.Fields = maps.Clone(row.Fields)
	for i := range s.rows {
		if s.rows[i].EntityID == row.EntityID {
			s.rows[i] = row
			return
		}
	}
	s.rows = append(s.rows, row)
}

func (s *Source) Extract(ctx context.Context, p source.Predicate, fn func(record.Row) error) error {
	s.mu.Lock()
	matched := make([]record.Row, 0, len(s.rows))
	for _, r := range s.rows {
		if p.Match(r) {
			r.Fields = maps.Clone(r.Fields)
			matched = append(matched, r)
		}
	}
	failAfter, failErr := s.FailAfter, s.Err
	s.mu.Unlock()

	slices.SortStableFunc(matched, func(a, b record.Row) int {
		if c := a.VersionTS.Compare(b.VersionTS); c != 0 {
			return c
		}
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	for i, r := range matched {
		if failErr != nil && i >= failAfter {
			return failErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	if failErr != nil && failAfter >= len(matched) {
		return failErr
	}
	return nil
}
