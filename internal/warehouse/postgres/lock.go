package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/lock"
)

const lockKeyPrefix = "histsync:"

// Acquire takes a session-level advisory lock keyed by the stream id. The
// lock lives on a dedicated connection held until release.
func (w *Warehouse) Acquire(ctx context.Context, streamID string, wait bool) (func(), error) {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for run lock: %w", err)
	}

	key := lockKeyPrefix + streamID
	if wait {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to wait for run lock: %w", err)
		}
	} else {
		var ok bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to take run lock: %w", err)
		}
		if !ok {
			conn.Release()
			return nil, lock.ErrHeld
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				// The session lock dies with the connection.
				log.Warn().Err(err).Str("stream", streamID).Msg("Failed to release run lock, closing connection")
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}
