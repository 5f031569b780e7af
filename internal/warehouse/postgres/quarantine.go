package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/jkaflik/histsync/internal/record"
)

// Quarantine stores rows the deduplicator refused, keyed by run.
func (s *Stream) Quarantine(ctx context.Context, runID string, rows []record.Quarantined) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, q := range rows {
		fields, err := json.Marshal(q.Row.Fields)
		if err != nil {
			// Rows quarantined for being unencodable still keep their position.
			fields = []byte("{}")
		}
		batch.Queue(
			`INSERT INTO histsync_quarantine (stream_id, run_id, entity_id, version_ts, seq, fields, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.streamID, runID, q.Row.EntityID, q.Row.VersionTS, q.Row.Seq, fields, q.Reason,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to quarantine %d rows of run %s: %w", len(rows), runID, err)
	}
	return nil
}
