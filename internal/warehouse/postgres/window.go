package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const insertWindow = `INSERT INTO histsync_hot_window
	(stream_id, entity_id, partition_day, monitored, fingerprint, status_since, version_ts, attributes)
SELECT stream_id, entity_id, (version_ts AT TIME ZONE 'UTC')::date,
       monitored, fingerprint, status_since, version_ts, attributes
FROM histsync_current_view
WHERE stream_id = $1 AND version_ts >= $2`

// RebuildWindow replaces the window of the stream in one transaction.
func (s *Stream) RebuildWindow(ctx context.Context, since time.Time) (int, error) {
	var rows int
	err := withTx(ctx, s.pool, "rebuild window", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM histsync_hot_window WHERE stream_id = $1`, s.streamID); err != nil {
			return classify("rebuild window", err)
		}
		tag, err := tx.Exec(ctx, insertWindow, s.streamID, since)
		if err != nil {
			return classify("rebuild window", err)
		}
		rows = int(tag.RowsAffected())
		return nil
	})
	return rows, err
}

// RefreshWindow rewrites the day partitions that held or now hold the given
// entities, then evicts rows older than since.
func (s *Stream) RefreshWindow(ctx context.Context, since time.Time, entityIDs []string) (int, error) {
	var rows int
	err := withTx(ctx, s.pool, "refresh window", func(tx pgx.Tx) error {
		dayRows, err := tx.Query(ctx,
			`SELECT partition_day FROM histsync_hot_window
			 WHERE stream_id = $1 AND entity_id = ANY($2)
			 UNION
			 SELECT (version_ts AT TIME ZONE 'UTC')::date FROM histsync_current_view
			 WHERE stream_id = $1 AND entity_id = ANY($2)`,
			s.streamID, entityIDs,
		)
		if err != nil {
			return classify("refresh window", err)
		}
		days, err := pgx.CollectRows(dayRows, pgx.RowTo[time.Time])
		if err != nil {
			return classify("refresh window", err)
		}

		if len(days) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM histsync_hot_window WHERE stream_id = $1 AND partition_day = ANY($2)`,
				s.streamID, days,
			); err != nil {
				return classify("refresh window", err)
			}

			tag, err := tx.Exec(ctx,
				insertWindow+` AND (version_ts AT TIME ZONE 'UTC')::date = ANY($3)
				 ON CONFLICT (stream_id, entity_id) DO UPDATE
				 SET partition_day = EXCLUDED.partition_day,
				     monitored = EXCLUDED.monitored,
				     fingerprint = EXCLUDED.fingerprint,
				     status_since = EXCLUDED.status_since,
				     version_ts = EXCLUDED.version_ts,
				     attributes = EXCLUDED.attributes`,
				s.streamID, since, days,
			)
			if err != nil {
				return classify("refresh window", err)
			}
			rows = int(tag.RowsAffected())
		}

		evicted, err := tx.Exec(ctx,
			`DELETE FROM histsync_hot_window WHERE stream_id = $1 AND version_ts < $2`,
			s.streamID, since,
		)
		if err != nil {
			return classify("refresh window", err)
		}

		log.Debug().
			Str("stream", s.streamID).
			Int("partitions", len(days)).
			Int("written", rows).
			Int64("evicted", evicted.RowsAffected()).
			Msg("Window partitions refreshed")
		return nil
	})
	return rows, err
}
