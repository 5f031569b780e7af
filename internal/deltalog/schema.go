package deltalog

import (
	"context"
	"fmt"
)

const deltaDDL = `
CREATE TABLE IF NOT EXISTS %s (
    stream_id LowCardinality(String),
    run_id String,
    entity_id String,
    version_ts DateTime64(9, 'UTC'),
    seq Int64,
    fields String,
    extracted_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(version_ts)
ORDER BY (stream_id, run_id, entity_id, version_ts, seq)
TTL toDateTime(extracted_at) + INTERVAL %d SECOND
SETTINGS index_granularity = 8192;`

// CreateTable creates the delta table. Retention is enforced by its TTL.
func (l *Log) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(deltaDDL, l.table, int64(l.retention.Seconds()))
	if err := l.client.Execute(ctx, query, nil); err != nil {
		return fmt.Errorf("failed to create delta table %s: %w", l.table, err)
	}
	return nil
}
