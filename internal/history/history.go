// Package history maintains the SCD2 history of the monitored fields.
package history

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/pkg/channel"
)

// Transition is the atomic unit applied to one entity: close Expected, if
// set, and insert Inserts. Only the last insert is current.
type Transition struct {
	EntityID string
	// Expected is the current version the plan was computed against. Nil on
	// first sighting, in which case no current version may exist.
	Expected *record.Version
	Inserts  []record.Version
}

// Current returns the version that is current once t is applied.
func (t Transition) Current() record.Version {
	return t.Inserts[len(t.Inserts)-1]
}

// Store is the history table.
type Store interface {
	// CurrentVersions returns the current version of each listed entity that has one.
	CurrentVersions(ctx context.Context, entityIDs []string) (map[string]record.Version, error)
	// VersionsAt returns, per entity, every stored version at the given version_ts.
	VersionsAt(ctx context.Context, at map[string]time.Time) (map[string][]record.Version, error)
	// ApplyTransitions applies every transition atomically. A transition whose
	// Expected version is no longer current fails with failure.FingerprintMismatchRace.
	ApplyTransitions(ctx context.Context, transitions []Transition) error
}

// Result tallies what a batch did to the history.
type Result struct {
	Entities  int
	Inserted  int
	Closed    int
	Unchanged int
	Stale     int
	// Touched lists the entities whose current version changed, sorted.
	Touched []string
}

func (r *Result) add(o Result) {
	r.Entities += o.Entities
	r.Inserted += o.Inserted
	r.Closed += o.Closed
	r.Unchanged += o.Unchanged
	r.Stale += o.Stale
	r.Touched = append(r.Touched, o.Touched...)
}

type Engine struct {
	store     Store
	monitored func(map[string]any) map[string]any
	lanes     int
	chunkSize int
	now       func() time.Time
	sequenced bool
}

type Option func(*Engine)

// WithLanes sets the number of concurrent worker lanes.
func WithLanes(n int) Option {
	return func(e *Engine) {
		e.lanes = n
	}
}

// WithChunkSize bounds the entities read and written per store call.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		e.chunkSize = n
	}
}

// WithSequenced marks the seq of changes as read from the source. Without it
// seq only ranks rows sharing a version_ts within one batch, and ties with the
// current version are resolved against the stored versions at its timestamp.
func WithSequenced() Option {
	return func(e *Engine) {
		e.sequenced = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine builds an engine; monitored projects a row onto its monitored fields.
func NewEngine(store Store, monitored func(map[string]any) map[string]any, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		monitored: monitored,
		lanes:     4,
		chunkSize: 500,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lanes < 1 {
		e.lanes = 1
	}
	if e.chunkSize < 1 {
		e.chunkSize = 1
	}
	return e
}

// Apply merges a deduplicated, fingerprinted batch into the history.
// Entities are spread over lanes by the hash of their id, so an entity is only
// ever planned and written by one lane. Applying the same batch twice is a no-op.
func (e *Engine) Apply(ctx context.Context, changes []record.Change) (Result, error) {
	byEntity := make(map[string][]record.Change)
	for _, c := range changes {
		byEntity[c.EntityID] = append(byEntity[c.EntityID], c)
	}
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	recordedAt := e.now().UTC()

	g, gctx := errgroup.WithContext(ctx)

	in := make(chan string)
	g.Go(func() error {
		defer close(in)
		for _, id := range ids {
			select {
			case in <- id:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var (
		mu    sync.Mutex
		total Result
	)
	for lane, entities := range channel.Partition(gctx, in, e.lanes, func(id string) string { return id }) {
		g.Go(func() error {
			chunk := make([]string, 0, e.chunkSize)
			flush := func() error {
				if len(chunk) == 0 {
					return nil
				}
				res, err := e.applyChunk(gctx, chunk, byEntity, recordedAt)
				if err != nil {
					return err
				}
				mu.Lock()
				total.add(res)
				mu.Unlock()
				chunk = chunk[:0]
				return nil
			}

			for id := range entities {
				chunk = append(chunk, id)
				if len(chunk) >= e.chunkSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
			log.Trace().Int("lane", lane).Msg("History lane finished")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	slices.Sort(total.Touched)
	return total, nil
}

func (e *Engine) applyChunk(ctx context.Context, ids []string, byEntity map[string][]record.Change, recordedAt time.Time) (Result, error) {
	current, err := e.store.CurrentVersions(ctx, ids)
	if err != nil {
		return Result{}, err
	}

	var tied map[string][]record.Version
	if !e.sequenced {
		if tied, err = e.tiedVersions(ctx, current, byEntity); err != nil {
			return Result{}, err
		}
	}

	var (
		res         Result
		transitions []Transition
	)
	for _, id := range ids {
		var cur *record.Version
		if v, ok := current[id]; ok {
			cur = &v
		}

		var (
			t Transition
			r Result
		)
		if e.sequenced {
			t, r = Plan(cur, byEntity[id], e.monitored, recordedAt)
		} else {
			t, r = PlanRanked(cur, tied[id], byEntity[id], e.monitored, recordedAt)
		}
		res.add(r)
		if len(t.Inserts) > 0 {
			transitions = append(transitions, t)
		}
	}

	if len(transitions) == 0 {
		return res, nil
	}
	if err := e.store.ApplyTransitions(ctx, transitions); err != nil {
		return Result{}, err
	}
	return res, nil
}

// tiedVersions reads the stored versions at the current timestamp of every
// entity with a change at that timestamp.
func (e *Engine) tiedVersions(ctx context.Context, current map[string]record.Version, byEntity map[string][]record.Change) (map[string][]record.Version, error) {
	at := make(map[string]time.Time)
	for id, cur := range current {
		if slices.ContainsFunc(byEntity[id], func(c record.Change) bool { return c.VersionTS.Equal(cur.VersionTS) }) {
			at[id] = cur.VersionTS
		}
	}
	if len(at) == 0 {
		return nil, nil
	}
	return e.store.VersionsAt(ctx, at)
}

// Plan computes the transition of one entity. Changes are applied in
// (version_ts, seq, fingerprint) order against the running current version:
// changes at or before it are stale, an equal fingerprint is a no-op and a
// different one closes it and inserts a new current version.
func Plan(current *record.Version, changes []record.Change, monitored func(map[string]any) map[string]any, recordedAt time.Time) (Transition, Result) {
	return plan(current, nil, false, changes, monitored, recordedAt)
}

// PlanRanked is Plan for changes whose seq only ranks rows of one batch that
// share a version_ts. tied holds the stored versions at the current version's
// timestamp. A change at the running timestamp whose fingerprint one of them
// carries is stale; any other is a new version positioned after all of them.
func PlanRanked(current *record.Version, tied []record.Version, changes []record.Change, monitored func(map[string]any) map[string]any, recordedAt time.Time) (Transition, Result) {
	return plan(current, tied, true, changes, monitored, recordedAt)
}

// tieSet tracks the versions sharing the running version_ts.
type tieSet struct {
	ts     time.Time
	fps    map[record.Fingerprint]struct{}
	maxSeq int64
}

func (s *tieSet) reset(v record.Version) {
	s.ts = v.VersionTS
	s.fps = map[record.Fingerprint]struct{}{v.Fingerprint: {}}
	s.maxSeq = v.Seq
}

func (s *tieSet) add(v record.Version) {
	if !v.VersionTS.Equal(s.ts) || s.fps == nil {
		s.reset(v)
		return
	}
	s.fps[v.Fingerprint] = struct{}{}
	s.maxSeq = max(s.maxSeq, v.Seq)
}

func (s *tieSet) has(fp record.Fingerprint) bool {
	_, ok := s.fps[fp]
	return ok
}

func plan(current *record.Version, tied []record.Version, ranked bool, changes []record.Change, monitored func(map[string]any) map[string]any, recordedAt time.Time) (Transition, Result) {
	sorted := slices.Clone(changes)
	slices.SortFunc(sorted, func(a, b record.Change) int {
		if c := a.Position().Compare(b.Position()); c != 0 {
			return c
		}
		return cmp.Compare(a.Fingerprint, b.Fingerprint)
	})

	res := Result{Entities: 1}
	t := Transition{Expected: current}
	if len(sorted) > 0 {
		t.EntityID = sorted[0].EntityID
	}

	var (
		running record.Version
		ties    tieSet
	)
	hasRunning := current != nil
	if hasRunning {
		running = *current
		ties.reset(running)
		for _, v := range tied {
			if v.VersionTS.Equal(running.VersionTS) {
				ties.add(v)
			}
		}
	}

	for _, c := range sorted {
		seq := c.Seq
		switch {
		case ranked && hasRunning && c.VersionTS.Equal(running.VersionTS):
			if ties.has(c.Fingerprint) {
				res.Stale++
				continue
			}
			seq = ties.maxSeq + 1
		case hasRunning && c.Position().Compare(running.Position()) <= 0:
			res.Stale++
			continue
		case hasRunning && c.Fingerprint == running.Fingerprint:
			res.Unchanged++
			continue
		}

		if n := len(t.Inserts); n > 0 {
			t.Inserts[n-1].IsCurrent = false
		}
		if hasRunning {
			res.Closed++
		}

		running = record.Version{
			EntityID:    c.EntityID,
			VersionTS:   c.VersionTS,
			Seq:         seq,
			Monitored:   monitored(c.Fields),
			Fingerprint: c.Fingerprint,
			IsCurrent:   true,
			RecordedAt:  recordedAt,
		}
		hasRunning = true
		ties.add(running)
		t.Inserts = append(t.Inserts, running)
		res.Inserted++
	}

	if len(t.Inserts) > 0 {
		res.Touched = []string{t.EntityID}
	}
	return t, res
}
