// Package memory is an in-process warehouse for one stream. It implements the
// same contracts as the PostgreSQL warehouse and supports fault injection.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jkaflik/histsync/internal/failure"
	"github.com/jkaflik/histsync/internal/history"
	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/watermark"
)

// Operations faults can be injected into.
const (
	OpCurrentVersions  = "CurrentVersions"
	OpVersionsAt       = "VersionsAt"
	OpApplyTransitions = "ApplyTransitions"
	OpUpsertAttributes = "UpsertAttributes"
	OpRebuildWindow    = "RebuildWindow"
	OpRefreshWindow    = "RefreshWindow"
	OpQuarantine       = "Quarantine"
	OpReadWatermark    = "ReadWatermark"
	OpCommitWatermark  = "CommitWatermark"
)

// QuarantineEntry is a stored quarantined row.
type QuarantineEntry struct {
	RunID string
	record.Quarantined
}

type Warehouse struct {
	*watermark.Memory

	mu          sync.Mutex
	history     map[string][]record.Version
	attributes  map[string]record.Attributes
	window      map[string]record.ViewRow
	quarantined []QuarantineEntry
	faults      map[string][]error
	calls       map[string]int

	// BeforeApply, when set, runs inside ApplyTransitions before conditions are checked.
	BeforeApply func(w *Warehouse)
	// AfterCommit, when set, replaces the result of a successful watermark commit.
	AfterCommit func() error
}

func New() *Warehouse {
	return &Warehouse{
		Memory:     watermark.NewMemory(),
		history:    make(map[string][]record.Version),
		attributes: make(map[string]record.Attributes),
		window:     make(map[string]record.ViewRow),
		faults:     make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (w *Warehouse) FailNext(op string, errs ...error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults[op] = append(w.faults[op], errs...)
}

// Calls returns how many times op was invoked.
func (w *Warehouse) Calls(op string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[op]
}

// enter records a call and pops an injected fault. Callers hold w.mu.
func (w *Warehouse) enter(op string) error {
	w.calls[op]++
	if q := w.faults[op]; len(q) > 0 {
		w.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (w *Warehouse) Read(ctx context.Context, streamID string) (watermark.Watermark, error) {
	w.mu.Lock()
	err := w.enter(OpReadWatermark)
	w.mu.Unlock()
	if err != nil {
		return watermark.Watermark{}, err
	}
	return w.Memory.Read(ctx, streamID)
}

func (w *Warehouse) Commit(ctx context.Context, streamID string, wm watermark.Watermark, runID string) error {
	w.mu.Lock()
	err := w.enter(OpCommitWatermark)
	after := w.AfterCommit
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if err := w.Memory.Commit(ctx, streamID, wm, runID); err != nil {
		return err
	}
	if after != nil {
		return after()
	}
	return nil
}

func (w *Warehouse) CurrentVersions(_ context.Context, entityIDs []string) (map[string]record.Version, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpCurrentVersions); err != nil {
		return nil, err
	}

	out := make(map[string]record.Version, len(entityIDs))
	for _, id := range entityIDs {
		if v, ok := w.current(id); ok {
			out[id] = v
		}
	}
	return out, nil
}

func (w *Warehouse) VersionsAt(_ context.Context, at map[string]time.Time) (map[string][]record.Version, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpVersionsAt); err != nil {
		return nil, err
	}

	out := make(map[string][]record.Version, len(at))
	for id, ts := range at {
		for _, v := range w.history[id] {
			if v.VersionTS.Equal(ts) {
				v.Monitored = maps.Clone(v.Monitored)
				out[id] = append(out[id], v)
			}
		}
	}
	return out, nil
}

func (w *Warehouse) current(entityID string) (record.Version, bool) {
	for _, v := range w.history[entityID] {
		if v.IsCurrent {
			return v, true
		}
	}
	return record.Version{}, false
}

// ApplyTransitions validates every transition before applying any of them.
func (w *Warehouse) ApplyTransitions(_ context.Context, transitions []history.Transition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpApplyTransitions); err != nil {
		return err
	}
	if w.BeforeApply != nil {
		w.BeforeApply(w)
	}

	for _, t := range transitions {
		if len(t.Inserts) == 0 {
			return fmt.Errorf("transition of entity %s has no inserts", t.EntityID)
		}
		cur, ok := w.current(t.EntityID)
		switch {
		case t.Expected == nil && ok:
			return &failure.FingerprintMismatchRace{EntityID: t.EntityID}
		case t.Expected != nil && (!ok || cur.Fingerprint != t.Expected.Fingerprint || cur.Position().Compare(t.Expected.Position()) != 0):
			return &failure.FingerprintMismatchRace{EntityID: t.EntityID, Expected: t.Expected.Fingerprint}
		}
		for _, ins := range t.Inserts {
			for _, v := range w.history[t.EntityID] {
				if v.Position().Compare(ins.Position()) == 0 {
					return &failure.FingerprintMismatchRace{EntityID: t.EntityID, Expected: ins.Fingerprint}
				}
			}
		}
	}

	for _, t := range transitions {
		versions := w.history[t.EntityID]
		for i := range versions {
			versions[i].IsCurrent = false
		}
		for _, ins := range t.Inserts {
			ins.Monitored = maps.Clone(ins.Monitored)
			versions = append(versions, ins)
		}
		w.history[t.EntityID] = versions
	}
	return nil
}

// Versions returns the history of an entity in insertion order.
func (w *Warehouse) Versions(entityID string) []record.Version {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.history[entityID])
}

// HistoryLen returns the number of history rows of all entities.
func (w *Warehouse) HistoryLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, versions := range w.history {
		n += len(versions)
	}
	return n
}

// ForceCurrent writes v as the current version of its entity, bypassing the
// conditional checks. It stands in for a concurrent writer and must only be
// called from BeforeApply.
func (w *Warehouse) ForceCurrent(v record.Version) {
	versions := w.history[v.EntityID]
	for i := range versions {
		versions[i].IsCurrent = false
	}
	v.IsCurrent = true
	w.history[v.EntityID] = append(versions, v)
}

func (w *Warehouse) UpsertAttributes(_ context.Context, attrs []record.Attributes) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpUpsertAttributes); err != nil {
		return err
	}
	for _, a := range attrs {
		a.Fields = maps.Clone(a.Fields)
		w.attributes[a.EntityID] = a
	}
	return nil
}

func (w *Warehouse) Attributes(entityID string) (record.Attributes, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.attributes[entityID]
	return a, ok
}

// CurrentView joins current versions with current attributes, sorted by entity id.
func (w *Warehouse) CurrentView() []record.ViewRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view()
}

func (w *Warehouse) view() []record.ViewRow {
	out := make([]record.ViewRow, 0, len(w.attributes))
	for id, a := range w.attributes {
		v, ok := w.current(id)
		if !ok {
			continue
		}
		out = append(out, record.ViewRow{
			EntityID:    id,
			Monitored:   v.Monitored,
			Fingerprint: v.Fingerprint,
			StatusSince: v.VersionTS,
			VersionTS:   a.VersionTS,
			Attributes:  a.Fields,
		})
	}
	slices.SortFunc(out, func(a, b record.ViewRow) int {
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

func (w *Warehouse) RebuildWindow(_ context.Context, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpRebuildWindow); err != nil {
		return 0, err
	}

	window := make(map[string]record.ViewRow)
	for _, r := range w.view() {
		if !r.VersionTS.Before(since) {
			window[r.EntityID] = r
		}
	}
	w.window = window
	return len(window), nil
}

func (w *Warehouse) RefreshWindow(_ context.Context, since time.Time, entityIDs []string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpRefreshWindow); err != nil {
		return 0, err
	}

	view := make(map[string]record.ViewRow)
	for _, r := range w.view() {
		view[r.EntityID] = r
	}

	days := make(map[string]struct{})
	for _, id := range entityIDs {
		if r, ok := w.window[id]; ok {
			days[day(r.VersionTS)] = struct{}{}
		}
		if r, ok := view[id]; ok {
			days[day(r.VersionTS)] = struct{}{}
		}
	}

	window := make(map[string]record.ViewRow, len(w.window))
	for id, r := range w.window {
		if _, affected := days[day(r.VersionTS)]; !affected {
			window[id] = r
		}
	}
	written := 0
	for id, r := range view {
		if _, affected := days[day(r.VersionTS)]; affected && !r.VersionTS.Before(since) {
			window[id] = r
			written++
		}
	}
	for id, r := range window {
		if r.VersionTS.Before(since) {
			delete(window, id)
		}
	}
	w.window = window
	return written, nil
}

// Window returns the materialized window sorted by entity id.
func (w *Warehouse) Window() []record.ViewRow {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]record.ViewRow, 0, len(w.window))
	for _, r := range w.window {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b record.ViewRow) int {
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

func (w *Warehouse) Quarantine(_ context.Context, runID string, rows []record.Quarantined) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enter(OpQuarantine); err != nil {
		return err
	}
	for _, q := range rows {
		w.quarantined = append(w.quarantined, QuarantineEntry{RunID: runID, Quarantined: q})
	}
	return nil
}

func (w *Warehouse) Quarantined() []QuarantineEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.quarantined)
}

func day(ts time.Time) string {
	return ts.UTC().Format(time.DateOnly)
}
