package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/jkaflik/histsync/internal/failure"
	"github.com/jkaflik/histsync/internal/history"
	"github.com/jkaflik/histsync/internal/record"
)

const (
	historyVersionKey = "histsync_history_version_key"
	historyCurrentKey = "histsync_history_current_key"
)

func (s *Stream) CurrentVersions(ctx context.Context, entityIDs []string) (map[string]record.Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, version_ts, seq, monitored, fingerprint, recorded_at
		 FROM histsync_history
		 WHERE stream_id = $1 AND entity_id = ANY($2) AND is_current`,
		s.streamID, entityIDs,
	)
	if err != nil {
		return nil, classify("read current versions", err)
	}
	defer rows.Close()

	out := make(map[string]record.Version, len(entityIDs))
	for rows.Next() {
		var (
			v           record.Version
			monitored   []byte
			fingerprint string
		)
		if err := rows.Scan(&v.EntityID, &v.VersionTS, &v.Seq, &monitored, &fingerprint, &v.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan current version: %w", err)
		}

		if err := decodeFields(monitored, &v.Monitored); err != nil {
			return nil, fmt.Errorf("entity %s: %w", v.EntityID, err)
		}
		if v.Fingerprint, err = record.ParseFingerprint(fingerprint); err != nil {
			return nil, fmt.Errorf("entity %s: %w", v.EntityID, err)
		}
		v.VersionTS = v.VersionTS.UTC()
		v.RecordedAt = v.RecordedAt.UTC()
		v.IsCurrent = true
		out[v.EntityID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read current versions", err)
	}
	return out, nil
}

type queued struct {
	entityID string
	expected *record.Version
	// close marks the conditional update of the current version.
	close bool
}

// ApplyTransitions closes and inserts versions in one transaction. Closing is
// conditional on the expected version still being current.
func (s *Stream) ApplyTransitions(ctx context.Context, transitions []history.Transition) error {
	return withTx(ctx, s.pool, "apply transitions", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		var order []queued

		for _, t := range transitions {
			if t.Expected != nil {
				batch.Queue(
					`UPDATE histsync_history SET is_current = false
					 WHERE stream_id = $1 AND entity_id = $2 AND is_current
					   AND fingerprint = $3 AND version_ts = $4 AND seq = $5`,
					s.streamID, t.EntityID, t.Expected.Fingerprint.String(), t.Expected.VersionTS, t.Expected.Seq,
				)
				order = append(order, queued{entityID: t.EntityID, expected: t.Expected, close: true})
			}

			for _, v := range t.Inserts {
				monitored, err := json.Marshal(v.Monitored)
				if err != nil {
					return fmt.Errorf("failed to encode monitored fields of entity %s: %w", v.EntityID, err)
				}
				batch.Queue(
					`INSERT INTO histsync_history
					   (stream_id, entity_id, version_ts, seq, monitored, fingerprint, is_current, recorded_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					s.streamID, v.EntityID, v.VersionTS, v.Seq, monitored, v.Fingerprint.String(), v.IsCurrent, v.RecordedAt,
				)
				order = append(order, queued{entityID: t.EntityID, expected: t.Expected})
			}
		}

		results := tx.SendBatch(ctx, batch)
		for _, q := range order {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				if isUniqueViolation(err, historyCurrentKey) || isUniqueViolation(err, historyVersionKey) {
					return race(q)
				}
				return classify("apply transitions", err)
			}
			if q.close && tag.RowsAffected() != 1 {
				_ = results.Close()
				return race(q)
			}
		}
		return classify("apply transitions", results.Close())
	})
}

func race(q queued) error {
	r := &failure.FingerprintMismatchRace{EntityID: q.entityID}
	if q.expected != nil {
		r.Expected = q.expected.Fingerprint
	}
	return r
}

// Versions returns the full history of an entity ordered by position.
func (s *Stream) Versions(ctx context.Context, entityID string) ([]record.Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, version_ts, seq, monitored, fingerprint, is_current, recorded_at
		 FROM histsync_history
		 WHERE stream_id = $1 AND entity_id = $2
		 ORDER BY version_ts, seq`,
		s.streamID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", entityID, err)
	}

	return pgx.CollectRows(rows, scanVersion)
}

// VersionsAt reads every version stored at the given version_ts of each entity.
func (s *Stream) VersionsAt(ctx context.Context, at map[string]time.Time) (map[string][]record.Version, error) {
	ids := make([]string, 0, len(at))
	stamps := make([]time.Time, 0, len(at))
	for id, ts := range at {
		ids = append(ids, id)
		stamps = append(stamps, ts)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT h.entity_id, h.version_ts, h.seq, h.monitored, h.fingerprint, h.is_current, h.recorded_at
		 FROM histsync_history h
		 JOIN unnest($2::text[], $3::timestamptz[]) AS k(entity_id, version_ts)
		   ON h.entity_id = k.entity_id AND h.version_ts = k.version_ts
		 WHERE h.stream_id = $1
		 ORDER BY h.entity_id, h.seq`,
		s.streamID, ids, stamps,
	)
	if err != nil {
		return nil, classify("read tied versions", err)
	}

	versions, err := pgx.CollectRows(rows, scanVersion)
	if err != nil {
		return nil, classify("read tied versions", err)
	}

	out := make(map[string][]record.Version, len(at))
	for _, v := range versions {
		out[v.EntityID] = append(out[v.EntityID], v)
	}
	return out, nil
}

func scanVersion(row pgx.CollectableRow) (record.Version, error) {
	var (
		v           record.Version
		monitored   []byte
		fingerprint string
	)
	if err := row.Scan(&v.EntityID, &v.VersionTS, &v.Seq, &monitored, &fingerprint, &v.IsCurrent, &v.RecordedAt); err != nil {
		return v, err
	}
	if err := decodeFields(monitored, &v.Monitored); err != nil {
		return v, err
	}
	fp, err := record.ParseFingerprint(fingerprint)
	if err != nil {
		return v, err
	}
	v.Fingerprint = fp
	v.VersionTS = v.VersionTS.UTC()
	v.RecordedAt = v.RecordedAt.UTC()
	return v, nil
}

func decodeFields(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = map[string]any{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errors.New("invalid stored fields"), err)
	}
	return nil
}
