// Package postgres reads changed rows from a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/source"
)

// Table describes the source table of a stream.
type Table struct {
	Name            string
	EntityColumn    string
	VersionTSColumn string
	// SeqColumn is optional; without it rows sharing a timestamp are ordered by the deduplicator.
	SeqColumn string
	Columns   []string
}

func (t Table) Validate() error {
	if t.Name == "" || t.EntityColumn == "" || t.VersionTSColumn == "" {
		return fmt.Errorf("source table requires name, entity column and version_ts column")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("source table %s has no columns", t.Name)
	}
	return nil
}

type Source struct {
	pool  *pgxpool.Pool
	table Table
	query string
}

func New(pool *pgxpool.Pool, table Table) (*Source, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Source{pool: pool, table: table, query: buildQuery(table)}, nil
}

// buildQuery renders the extraction predicate. Entity ids compare with the
// "C" collation so the tie-break matches byte ordering of the watermark id.
func buildQuery(t Table) string {
	entity := pgx.Identifier{t.EntityColumn}.Sanitize()
	ts := pgx.Identifier{t.VersionTSColumn}.Sanitize()

	cols := []string{entity + "::text", ts}
	if t.SeqColumn != "" {
		cols = append(cols, pgx.Identifier{t.SeqColumn}.Sanitize()+"::bigint")
	}
	for _, c := range t.Columns {
		cols = append(cols, pgx.Identifier{c}.Sanitize())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), pgx.Identifier(strings.Split(t.Name, ".")).Sanitize())
	fmt.Fprintf(&b, ` WHERE %[1]s > $1 OR (%[1]s = $2 AND (%[2]s::text) COLLATE "C" > $3)`, ts, entity)
	fmt.Fprintf(&b, ` ORDER BY %s, (%s::text) COLLATE "C"`, ts, entity)
	return b.String()
}

func (s *Source) Extract(ctx context.Context, p source.Predicate, fn func(record.Row) error) error {
	rows, err := s.pool.Query(ctx, s.query, p.Lower(), p.Watermark.TS, p.Watermark.ID)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", s.table.Name, err)
	}
	defer rows.Close()

	offset := 2
	if s.table.SeqColumn != "" {
		offset = 3
	}

	n := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to decode row %d of %s: %w", n, s.table.Name, err)
		}

		row, err := s.toRow(values, offset)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
		n++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("read of %s ended after %d rows: %w", s.table.Name, n, err)
	}

	log.Debug().Str("table", s.table.Name).Int("rows", n).Msg("Source rows read")
	return nil
}

func (s *Source) toRow(values []any, offset int) (record.Row, error) {
	entityID, ok := values[0].(string)
	if !ok {
		return record.Row{}, fmt.Errorf("entity column %s is NULL or not text", s.table.EntityColumn)
	}
	ts, ok := values[1].(time.Time)
	if !ok {
		return record.Row{}, fmt.Errorf("version_ts column %s of entity %s is NULL or not a timestamp", s.table.VersionTSColumn, entityID)
	}

	row := record.Row{
		EntityID:  entityID,
		VersionTS: ts.UTC(),
		Fields:    make(map[string]any, len(s.table.Columns)),
	}
	if offset == 3 {
		seq, ok := values[2].(int64)
		if !ok {
			return record.Row{}, fmt.Errorf("seq column %s of entity %s is NULL", s.table.SeqColumn, entityID)
		}
		row.Seq = seq
	}

	for i, c := range s.table.Columns {
		row.Fields[c] = normalize(values[offset+i])
	}
	return row, nil
}

// normalize maps driver values onto the JSON-friendly shapes fingerprints are computed over.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		dv, err := x.Value()
		if err != nil || dv == nil {
			return nil
		}
		return dv
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil
		}
		return dv
	}
	return v
}
