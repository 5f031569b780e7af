package app

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/internal/config"
	"github.com/jkaflik/histsync/internal/lock"
	"github.com/jkaflik/histsync/internal/pipeline"
	"github.com/jkaflik/histsync/internal/record"
	srcmemory "github.com/jkaflik/histsync/internal/source/memory"
	"github.com/jkaflik/histsync/internal/warehouse/memory"
	"github.com/jkaflik/histsync/pkg/retry"
)

func testConfig() (*config.Config, config.Stream) {
	stream := config.Stream{
		ID:           "users",
		Table:        "public.users",
		EntityColumn: "id",
		Monitored:    []string{"status"},
		Attributes:   []string{"email"},
		Lanes:        2,
		ChunkSize:    10,
		BatchSize:    100,
		SafetyWindow: time.Minute,
		Window:       config.Window{Strategy: "auto", Size: 365 * 24 * time.Hour, Threshold: 100},
	}
	cfg := &config.Config{
		Retry:         config.Retry{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		CommitTimeout: time.Second,
		Streams:       []config.Stream{stream},
	}
	return cfg, stream
}

type recordingAppender struct {
	rows int
}

func (a *recordingAppender) Append(_ context.Context, _, _ string, rows []record.Row) error {
	a.rows += len(rows)
	return nil
}

func TestBuildRunner(t *testing.T) {
	cfg, stream := testConfig()
	wh := memory.New()
	appender := &recordingAppender{}

	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	src := srcmemory.New(
		record.Row{EntityID: "1", VersionTS: ts, Fields: map[string]any{"status": "active", "email": "a@x", "name": "A"}},
		record.Row{EntityID: "2", VersionTS: ts, Fields: map[string]any{"status": "trial", "email": "b@x", "name": "B"}},
	)

	runner, err := BuildRunner(cfg, stream, src, Backend{
		Watermarks: wh,
		Locker:     lock.NewMemory(),
		Stores:     func(string) StreamStore { return wh },
		Appender:   appender,
	})
	require.NoError(t, err)
	assert.Equal(t, "users", runner.StreamID())

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Committed)
	assert.Equal(t, 2, report.History.Inserted)
	assert.Equal(t, 2, appender.rows)

	attrs, ok := wh.Attributes("1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"email": "a@x"}, attrs.Fields)
	assert.Len(t, wh.Window(), 2)
}

func TestBuildRunner_InvalidStream(t *testing.T) {
	cfg, stream := testConfig()
	wh := memory.New()
	backend := Backend{Watermarks: wh, Stores: func(string) StreamStore { return wh }}

	stream.Window.Strategy = "never"
	_, err := BuildRunner(cfg, stream, srcmemory.New(), backend)
	assert.ErrorContains(t, err, "unknown window strategy")

	stream.Window.Strategy = "full"
	stream.Monitored = []string{"status", "status"}
	_, err = BuildRunner(cfg, stream, srcmemory.New(), backend)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	cfg, stream := testConfig()
	wh := memory.New()
	src := srcmemory.New()
	src.Err = errors.New("source down")

	runner, err := BuildRunner(cfg, stream, src, Backend{
		Watermarks: wh,
		Stores:     func(string) StreamStore { return wh },
	}, pipeline.WithRetryConfig(retry.Config{}))
	require.NoError(t, err)

	health := Health([]*pipeline.Runner{runner})
	healthy, detail := health()
	assert.True(t, healthy)
	assert.Equal(t, map[string]string{"users": "IDLE"}, detail.(map[string]any)["streams"])

	_, err = runner.Run(context.Background())
	require.Error(t, err)

	healthy, detail = health()
	assert.False(t, healthy)
	assert.Equal(t, map[string]string{"users": "FAILED"}, detail.(map[string]any)["streams"])
}

func TestSetupLogging(t *testing.T) {
	defer func(l zerolog.Logger, lvl zerolog.Level) {
		log.Logger = l
		zerolog.SetGlobalLevel(lvl)
	}(log.Logger, zerolog.GlobalLevel())

	var buf bytes.Buffer
	require.NoError(t, setupLogging(config.Log{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("stream", "users").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"stream":"users"`)

	assert.Error(t, setupLogging(config.Log{Level: "loud"}, &buf))
}
