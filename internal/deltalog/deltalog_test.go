package deltalog

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/internal/fingerprint"
	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/pkg/clickhouse"
	"github.com/jkaflik/histsync/pkg/retry"
)

func newLog(t *testing.T, handler http.HandlerFunc) *Log {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := clickhouse.NewClient(srv.URL, "default", "", clickhouse.WithRetryConfig(retry.Config{MaxRetries: 0}))
	require.NoError(t, err)

	l := New(client, "histsync_delta", 72*time.Hour)
	l.now = func() time.Time { return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestLog_Append(t *testing.T) {
	var (
		query string
		body  string
	)
	l := newLog(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	})

	ts := time.Date(2024, 5, 10, 11, 0, 0, 500, time.UTC)
	err := l.Append(context.Background(), "orders", "run-1", []record.Row{
		{EntityID: "a", VersionTS: ts, Seq: 1, Fields: map[string]any{"status": "paid", "amount": 10}},
		{EntityID: "b", VersionTS: ts, Fields: map[string]any{"status": nil}},
	})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO histsync_delta FORMAT JSONEachRow", query)

	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)

	var first Row
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, Row{
		StreamID:    "orders",
		RunID:       "run-1",
		EntityID:    "a",
		VersionTS:   "2024-05-10T11:00:00.0000005Z",
		Seq:         1,
		Fields:      `{"amount":10,"status":"paid"}`,
		ExtractedAt: "2024-05-10T12:00:00Z",
	}, first)
}

func TestLog_AppendNothing(t *testing.T) {
	called := false
	l := newLog(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	require.NoError(t, l.Append(context.Background(), "orders", "run-1", nil))
	assert.False(t, called)
}

func TestLog_ReadRunRoundTripsFingerprints(t *testing.T) {
	var query string
	l := newLog(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		_, _ = w.Write([]byte(
			`{"entity_id":"a","version_ts":"2024-05-10T11:00:00.000000500Z","seq":1,"fields":"{\"amount\":10,\"status\":\"paid\"}"}` + "\n" +
				`{"entity_id":"b","version_ts":"2024-05-10T11:30:00.000000000Z","seq":0,"fields":"{\"amount\":1.5,\"status\":null}"}` + "\n",
		))
	})

	rows, err := l.ReadRun(context.Background(), "orders", "it's-run-1")
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT entity_id, version_ts, seq, fields FROM histsync_delta WHERE stream_id = 'orders' AND run_id = 'it\'s-run-1' ORDER BY version_ts, entity_id, seq FORMAT JSONEachRow`,
		query)

	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].EntityID)
	assert.True(t, rows[0].VersionTS.Equal(time.Date(2024, 5, 10, 11, 0, 0, 500, time.UTC)))
	assert.Equal(t, int64(1), rows[0].Seq)

	d, err := fingerprint.New([]string{"status", "amount"})
	require.NoError(t, err)

	replayed, err := d.Fingerprint(rows[0].Fields)
	require.NoError(t, err)
	original, err := d.Fingerprint(map[string]any{"status": "paid", "amount": 10})
	require.NoError(t, err)
	assert.Equal(t, original, replayed)

	replayed, err = d.Fingerprint(rows[1].Fields)
	require.NoError(t, err)
	original, err = d.Fingerprint(map[string]any{"status": nil, "amount": 1.5})
	require.NoError(t, err)
	assert.Equal(t, original, replayed)
}

func TestLog_ReadRunInvalidRow(t *testing.T) {
	l := newLog(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entity_id":"a","version_ts":"yesterday","seq":1,"fields":"{}"}`))
	})

	_, err := l.ReadRun(context.Background(), "orders", "run-1")
	assert.ErrorContains(t, err, "invalid version_ts in delta row 0")
}

func TestLog_CreateTable(t *testing.T) {
	var query string
	l := newLog(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
	})

	require.NoError(t, l.CreateTable(context.Background()))
	assert.Contains(t, query, "CREATE TABLE IF NOT EXISTS histsync_delta")
	assert.Contains(t, query, "PARTITION BY toYYYYMMDD(version_ts)")
	assert.Contains(t, query, "TTL toDateTime(extracted_at) + INTERVAL 259200 SECOND")
}
