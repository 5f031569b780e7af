package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/jkaflik/histsync/internal/record"
)

// UpsertAttributes overwrites the attributes row of each entity.
func (s *Stream) UpsertAttributes(ctx context.Context, attrs []record.Attributes) error {
	batch := &pgx.Batch{}
	for _, a := range attrs {
		fields, err := json.Marshal(a.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of entity %s: %w", a.EntityID, err)
		}
		batch.Queue(
			`INSERT INTO histsync_current_attributes (stream_id, entity_id, version_ts, seq, attributes, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (stream_id, entity_id) DO UPDATE
			 SET version_ts = EXCLUDED.version_ts,
			     seq = EXCLUDED.seq,
			     attributes = EXCLUDED.attributes,
			     updated_at = EXCLUDED.updated_at`,
			s.streamID, a.EntityID, a.VersionTS, a.Seq, fields, a.UpdatedAt,
		)
	}

	return withTx(ctx, s.pool, "upsert attributes", func(tx pgx.Tx) error {
		return classify("upsert attributes", tx.SendBatch(ctx, batch).Close())
	})
}

// Attributes returns the stored attributes of an entity.
func (s *Stream) Attributes(ctx context.Context, entityID string) (record.Attributes, bool, error) {
	a := record.Attributes{EntityID: entityID}
	var fields []byte
	err := s.pool.QueryRow(ctx,
		`SELECT version_ts, seq, attributes, updated_at
		 FROM histsync_current_attributes WHERE stream_id = $1 AND entity_id = $2`,
		s.streamID, entityID,
	).Scan(&a.VersionTS, &a.Seq, &fields, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return a, false, nil
	}
	if err != nil {
		return a, false, fmt.Errorf("failed to read attributes of %s: %w", entityID, err)
	}
	if err := decodeFields(fields, &a.Fields); err != nil {
		return a, false, err
	}
	a.VersionTS = a.VersionTS.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, true, nil
}
