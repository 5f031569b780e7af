// Package record holds the rows that flow between pipeline stages.
package record

import (
	"fmt"
	"strconv"
	"time"
)

// Row is a source record extracted for a run.
type Row struct {
	EntityID  string         `json:"entity_id"`
	VersionTS time.Time      `json:"version_ts"`
	Seq       int64          `json:"seq"`
	Fields    map[string]any `json:"fields"`
}

// Position returns the ordering key of the row within its entity.
func (r Row) Position() Position {
	return Position{TS: r.VersionTS, Seq: r.Seq}
}

// Position orders versions of one entity by version timestamp, then by sequence.
type Position struct {
	TS  time.Time
	Seq int64
}

// Compare returns -1, 0 or +1.
func (p Position) Compare(o Position) int {
	if c := p.TS.Compare(o.TS); c != 0 {
		return c
	}
	switch {
	case p.Seq < o.Seq:
		return -1
	case p.Seq > o.Seq:
		return 1
	}
	return 0
}

// Fingerprint is a content hash over the monitored fields of a row.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// ParseFingerprint parses the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid fingerprint %q: want 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Change is a deduplicated row with its fingerprint.
type Change struct {
	Row
	Fingerprint Fingerprint
}

// Version is one row of the SCD2 history.
type Version struct {
	EntityID    string
	VersionTS   time.Time
	Seq         int64
	Monitored   map[string]any
	Fingerprint Fingerprint
	IsCurrent   bool
	RecordedAt  time.Time
}

func (v Version) Position() Position {
	return Position{TS: v.VersionTS, Seq: v.Seq}
}

// Attributes is the single unversioned row kept per entity.
type Attributes struct {
	EntityID  string
	VersionTS time.Time
	Seq       int64
	Fields    map[string]any
	UpdatedAt time.Time
}

// ViewRow is a row of the current view: the current history version joined
// with the current attributes of the same entity.
type ViewRow struct {
	EntityID    string
	Monitored   map[string]any
	Fingerprint Fingerprint
	StatusSince time.Time
	VersionTS   time.Time
	Attributes  map[string]any
}

// Quarantined is a row the deduplicator refused to pass on.
type Quarantined struct {
	Row    Row
	Reason string
}
