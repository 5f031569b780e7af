// Package projector keeps the single-row-per-entity current attributes.
package projector

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/pkg/channel"
)

// Store is the current attributes table. Upserts overwrite unconditionally.
type Store interface {
	UpsertAttributes(ctx context.Context, attrs []record.Attributes) error
}

// Result of a projection.
type Result struct {
	Upserted int
	// Entities lists the projected entities, sorted.
	Entities []string
}

type Projector struct {
	store     Store
	keep      func(field string) bool
	lanes     int
	chunkSize int
	now       func() time.Time
}

type Option func(*Projector)

func WithLanes(n int) Option {
	return func(p *Projector) {
		p.lanes = n
	}
}

func WithChunkSize(n int) Option {
	return func(p *Projector) {
		p.chunkSize = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		p.now = now
	}
}

// KeepAllExcept keeps every field that is not monitored.
func KeepAllExcept(monitored func(string) bool) func(string) bool {
	return func(field string) bool {
		return !monitored(field)
	}
}

// KeepOnly keeps the listed fields.
func KeepOnly(fields []string) func(string) bool {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return func(field string) bool {
		_, ok := set[field]
		return ok
	}
}

func New(store Store, keep func(string) bool, opts ...Option) *Projector {
	p := &Projector{
		store:     store,
		keep:      keep,
		lanes:     4,
		chunkSize: 500,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lanes < 1 {
		p.lanes = 1
	}
	if p.chunkSize < 1 {
		p.chunkSize = 1
	}
	return p
}

// Latest reduces rows to the greatest (version_ts, seq) row of each entity,
// projected onto the kept fields and sorted by entity id.
func (p *Projector) Latest(rows []record.Row) []record.Attributes {
	latest := make(map[string]record.Row, len(rows))
	for _, r := range rows {
		if cur, ok := latest[r.EntityID]; !ok || r.Position().Compare(cur.Position()) > 0 {
			latest[r.EntityID] = r
		}
	}

	updatedAt := p.now().UTC()
	out := make([]record.Attributes, 0, len(latest))
	for id, r := range latest {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if p.keep(k) {
				fields[k] = v
			}
		}
		out = append(out, record.Attributes{
			EntityID:  id,
			VersionTS: r.VersionTS,
			Seq:       r.Seq,
			Fields:    fields,
			UpdatedAt: updatedAt,
		})
	}
	slices.SortFunc(out, func(a, b record.Attributes) int {
		switch {
		case a.EntityID < b.EntityID:
			return -1
		case a.EntityID > b.EntityID:
			return 1
		}
		return 0
	})
	return out
}

// Project upserts the latest attributes of every entity of the batch.
func (p *Projector) Project(ctx context.Context, rows []record.Row) (Result, error) {
	attrs := p.Latest(rows)

	g, gctx := errgroup.WithContext(ctx)

	in := make(chan record.Attributes)
	g.Go(func() error {
		defer close(in)
		for _, a := range attrs {
			select {
			case in <- a:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var upserted atomic.Int64
	for _, lane := range channel.Partition(gctx, in, p.lanes, func(a record.Attributes) string { return a.EntityID }) {
		g.Go(func() error {
			chunk := make([]record.Attributes, 0, p.chunkSize)
			flush := func() error {
				if len(chunk) == 0 {
					return nil
				}
				if err := p.store.UpsertAttributes(gctx, chunk); err != nil {
					return err
				}
				upserted.Add(int64(len(chunk)))
				chunk = make([]record.Attributes, 0, p.chunkSize)
				return nil
			}

			for a := range lane {
				chunk = append(chunk, a)
				if len(chunk) >= p.chunkSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			return flush()
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Upserted: int(upserted.Load()), Entities: make([]string, 0, len(attrs))}
	for _, a := range attrs {
		res.Entities = append(res.Entities, a.EntityID)
	}
	return res, nil
}
