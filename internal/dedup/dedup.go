// Package dedup collapses the candidate rows of a run to one row per identity.
package dedup

import (
	"bytes"
	"cmp"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/failure"
	"github.com/jkaflik/histsync/internal/record"
)

// Result holds the surviving rows ordered by (entity_id, version_ts, seq).
type Result struct {
	Rows        []record.Row
	Quarantined []record.Quarantined
	Conflicts   []*failure.DuplicateResolutionError
	// Collapsed counts exact duplicates that were dropped.
	Collapsed int
}

// Deduplicator groups rows by (entity_id, version_ts).
//
// For sequenced sources every distinct seq is a separate write; two different
// rows with the same seq cannot be ordered and are quarantined. For unsequenced
// sources the distinct rows of a group are ordered by their canonical encoding
// and numbered from zero.
type Deduplicator struct {
	sequenced bool
}

func New(sequenced bool) *Deduplicator {
	return &Deduplicator{sequenced: sequenced}
}

type identity struct {
	entityID string
	ts       int64
	seq      int64
}

type candidate struct {
	row     record.Row
	encoded []byte
}

func (d *Deduplicator) Dedup(rows []record.Row) Result {
	var res Result

	groups := make(map[identity][]candidate)
	for _, r := range rows {
		enc, err := Canonical(r)
		if err != nil {
			res.Quarantined = append(res.Quarantined, record.Quarantined{Row: r, Reason: "unencodable row: " + err.Error()})
			continue
		}

		id := identity{entityID: r.EntityID, ts: r.VersionTS.UnixNano()}
		if d.sequenced {
			id.seq = r.Seq
		}
		groups[id] = append(groups[id], candidate{row: r, encoded: enc})
	}

	for id, group := range groups {
		n := len(group)
		slices.SortFunc(group, func(a, b candidate) int {
			return bytes.Compare(a.encoded, b.encoded)
		})
		distinct := slices.CompactFunc(group, func(a, b candidate) bool {
			return bytes.Equal(a.encoded, b.encoded)
		})
		res.Collapsed += n - len(distinct)

		if d.sequenced {
			if len(distinct) > 1 {
				conflict := &failure.DuplicateResolutionError{
					EntityID:  id.entityID,
					VersionTS: time.Unix(0, id.ts).UTC(),
					Seq:       id.seq,
					Rows:      len(distinct),
				}
				res.Conflicts = append(res.Conflicts, conflict)
				for _, c := range distinct {
					res.Quarantined = append(res.Quarantined, record.Quarantined{Row: c.row, Reason: conflict.Error()})
				}
				log.Warn().Err(conflict).Msg("Quarantined conflicting rows")
				continue
			}
			res.Rows = append(res.Rows, distinct[0].row)
			continue
		}

		for i, c := range distinct {
			c.row.Seq = int64(i)
			res.Rows = append(res.Rows, c.row)
		}
	}

	slices.SortFunc(res.Rows, func(a, b record.Row) int {
		if c := cmp.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		return a.Position().Compare(b.Position())
	})
	slices.SortFunc(res.Conflicts, func(a, b *failure.DuplicateResolutionError) int {
		if c := cmp.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		return a.VersionTS.Compare(b.VersionTS)
	})
	slices.SortStableFunc(res.Quarantined, func(a, b record.Quarantined) int {
		if c := cmp.Compare(a.Row.EntityID, b.Row.EntityID); c != 0 {
			return c
		}
		return a.Row.Position().Compare(b.Row.Position())
	})

	return res
}

// Canonical is the content encoding two rows are compared by: the seq and the
// fields with keys in sorted order.
func Canonical(r record.Row) ([]byte, error) {
	return json.Marshal(struct {
		Seq    int64          `json:"seq"`
		Fields map[string]any `json:"fields"`
	}{r.Seq, r.Fields})
}
