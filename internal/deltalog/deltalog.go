// Package deltalog keeps the extracted rows of each run in ClickHouse for a
// retention period, for debugging and replays.
package deltalog

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fastjson"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/pkg/clickhouse"
	"github.com/jkaflik/histsync/pkg/clickhouse/format"
)

// Row is a delta table row as sent to ClickHouse.
type Row struct {
	StreamID    string `json:"stream_id"`
	RunID       string `json:"run_id"`
	EntityID    string `json:"entity_id"`
	VersionTS   string `json:"version_ts"`
	Seq         int64  `json:"seq"`
	Fields      string `json:"fields"`
	ExtractedAt string `json:"extracted_at"`
}

type Log struct {
	client    *clickhouse.Client
	table     string
	retention time.Duration
	now       func() time.Time
}

func New(client *clickhouse.Client, table string, retention time.Duration) *Log {
	return &Log{
		client:    client,
		table:     table,
		retention: retention,
		now:       time.Now,
	}
}

// Append inserts the rows of a run.
func (l *Log) Append(ctx context.Context, streamID, runID string, rows []record.Row) error {
	if len(rows) == 0 {
		return nil
	}

	extractedAt := l.now().UTC().Format(time.RFC3339Nano)
	reader := format.NewJSONEachRowReader(make([]Row, 0, len(rows)))
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of entity %s: %w", r.EntityID, err)
		}
		reader.Add(Row{
			StreamID:    streamID,
			RunID:       runID,
			EntityID:    r.EntityID,
			VersionTS:   r.VersionTS.UTC().Format(time.RFC3339Nano),
			Seq:         r.Seq,
			Fields:      string(fields),
			ExtractedAt: extractedAt,
		})
	}

	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", l.table)
	if err := l.client.Execute(ctx, query, reader); err != nil {
		return err
	}

	log.Debug().Str("stream", streamID).Str("run", runID).Int("rows", reader.Len()).Msg("Delta rows appended")
	return nil
}

// ReadRun returns the retained rows of a run ordered by (version_ts, entity_id, seq).
// A run whose append was retried may hold the same row more than once;
// deduplication collapses them on replay.
func (l *Log) ReadRun(ctx context.Context, streamID, runID string) ([]record.Row, error) {
	query := fmt.Sprintf(
		"SELECT entity_id, version_ts, seq, fields FROM %s WHERE stream_id = %s AND run_id = %s ORDER BY version_ts, entity_id, seq FORMAT JSONEachRow",
		l.table, quote(streamID), quote(runID),
	)

	body, err := l.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return parseRows(body)
}

func parseRows(body []byte) ([]record.Row, error) {
	var (
		p    fastjson.Parser
		rows []record.Row
	)
	for i, line := range bytes.Split(body, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		v, err := p.ParseBytes(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse delta row %d: %w", i, err)
		}

		ts, err := time.Parse(time.RFC3339Nano, string(v.GetStringBytes("version_ts")))
		if err != nil {
			return nil, fmt.Errorf("invalid version_ts in delta row %d: %w", i, err)
		}

		dec := json.NewDecoder(bytes.NewReader(v.GetStringBytes("fields")))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("invalid fields in delta row %d: %w", i, err)
		}

		rows = append(rows, record.Row{
			EntityID:  string(v.GetStringBytes("entity_id")),
			VersionTS: ts.UTC(),
			Seq:       v.GetInt64("seq"),
			Fields:    fields,
		})
	}
	return rows, nil
}

var quoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quote(s string) string {
	return "'" + quoter.Replace(s) + "'"
}
