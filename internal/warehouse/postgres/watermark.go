package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jkaflik/histsync/internal/watermark"
)

func (w *Warehouse) Read(ctx context.Context, streamID string) (watermark.Watermark, error) {
	var (
		ts time.Time
		id string
	)
	err := w.pool.QueryRow(ctx,
		`SELECT wm_ts, wm_id FROM histsync_watermarks WHERE stream_id = $1`,
		streamID,
	).Scan(&ts, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return watermark.Initial(), nil
	}
	if err != nil {
		return watermark.Watermark{}, classify("read watermark", err)
	}
	return watermark.Watermark{TS: ts.UTC(), ID: id}, nil
}

func (w *Warehouse) Commit(ctx context.Context, streamID string, wm watermark.Watermark, runID string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO histsync_watermarks (stream_id, wm_ts, wm_id, run_id, committed_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (stream_id) DO UPDATE
		 SET wm_ts = EXCLUDED.wm_ts, wm_id = EXCLUDED.wm_id, run_id = EXCLUDED.run_id, committed_at = EXCLUDED.committed_at`,
		streamID, wm.TS, wm.ID, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to commit watermark: %w", err)
	}
	return nil
}
