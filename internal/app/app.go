// Package app wires configured streams into runnable pipelines.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/config"
	"github.com/jkaflik/histsync/internal/dedup"
	"github.com/jkaflik/histsync/internal/deltalog"
	"github.com/jkaflik/histsync/internal/extract"
	"github.com/jkaflik/histsync/internal/fingerprint"
	"github.com/jkaflik/histsync/internal/history"
	"github.com/jkaflik/histsync/internal/lock"
	"github.com/jkaflik/histsync/internal/metrics"
	"github.com/jkaflik/histsync/internal/pipeline"
	"github.com/jkaflik/histsync/internal/projector"
	"github.com/jkaflik/histsync/internal/source"
	sourcepg "github.com/jkaflik/histsync/internal/source/postgres"
	"github.com/jkaflik/histsync/internal/warehouse/postgres"
	"github.com/jkaflik/histsync/internal/watermark"
	"github.com/jkaflik/histsync/internal/window"
	"github.com/jkaflik/histsync/pkg/clickhouse"
)

// StreamStore is the per-stream side of a warehouse.
type StreamStore interface {
	history.Store
	projector.Store
	window.Store
	pipeline.QuarantineStore
}

// Backend holds the collaborators shared by every stream.
type Backend struct {
	Watermarks watermark.Store
	Locker     lock.Locker
	Stores     func(streamID string) StreamStore
	// Appender is optional.
	Appender extract.Appender
}

// BuildRunner assembles the pipeline of one stream.
func BuildRunner(cfg *config.Config, stream config.Stream, src source.Source, backend Backend, opts ...pipeline.Option) (*pipeline.Runner, error) {
	detector, err := fingerprint.New(stream.Monitored)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", stream.ID, err)
	}

	strategy, err := window.ParseStrategy(stream.Window.Strategy)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", stream.ID, err)
	}

	extractOpts := []extract.Option{
		extract.WithSafetyWindow(stream.SafetyWindow),
		extract.WithBatchSize(stream.BatchSize),
	}
	if backend.Appender != nil {
		extractOpts = append(extractOpts, extract.WithAppender(backend.Appender))
	}

	keep := projector.KeepAllExcept(detector.IsMonitored)
	if len(stream.Attributes) > 0 {
		keep = projector.KeepOnly(stream.Attributes)
	}

	historyOpts := []history.Option{
		history.WithLanes(stream.Lanes),
		history.WithChunkSize(stream.ChunkSize),
	}
	if stream.Sequenced() {
		historyOpts = append(historyOpts, history.WithSequenced())
	}

	store := backend.Stores(stream.ID)
	stages := pipeline.Stages{
		Watermarks:   backend.Watermarks,
		Extractor:    extract.New(stream.ID, src, extractOpts...),
		Deduplicator: dedup.New(stream.Sequenced()),
		Detector:     detector,
		History:      history.NewEngine(store, detector.Monitored, historyOpts...),
		Projector: projector.New(store, keep,
			projector.WithLanes(stream.Lanes),
			projector.WithChunkSize(stream.ChunkSize),
		),
		Window: window.New(store, strategy, stream.Window.Size, stream.Window.Threshold),
	}

	base := []pipeline.Option{
		pipeline.WithQuarantine(store),
		pipeline.WithRetryConfig(cfg.Retry.Config()),
		pipeline.WithCommitTimeout(cfg.CommitTimeout),
	}
	if backend.Locker != nil {
		base = append(base, pipeline.WithLocker(backend.Locker, cfg.LockWait))
	}

	return pipeline.NewRunner(stream.ID, stages, append(base, opts...)...)
}

// App is the production wiring: PostgreSQL source and warehouse, and the
// optional ClickHouse delta log.
type App struct {
	cfg       *config.Config
	source    *pgxpool.Pool
	warehouse *pgxpool.Pool
	wh        *postgres.Warehouse
	deltaLog  *deltalog.Log
	runners   []*pipeline.Runner
}

func poolConfig(db config.Database) postgres.PoolConfig {
	return postgres.PoolConfig{
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		MaxConnIdleTime: db.MaxConnIdleTime,
	}
}

// Open connects to every configured backend and builds a runner per stream.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	var err error
	if a.warehouse, err = postgres.Open(ctx, cfg.Warehouse.DSN, poolConfig(cfg.Warehouse)); err != nil {
		return nil, fmt.Errorf("warehouse: %w", err)
	}
	if a.source, err = postgres.Open(ctx, cfg.Source.DSN, poolConfig(cfg.Source)); err != nil {
		a.Close()
		return nil, fmt.Errorf("source: %w", err)
	}
	a.wh = postgres.New(a.warehouse)

	if cfg.ClickHouse.Enabled() {
		if a.deltaLog, err = NewDeltaLog(cfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	backend := Backend{
		Watermarks: a.wh,
		Locker:     a.wh,
		Stores: func(streamID string) StreamStore {
			return a.wh.Stream(streamID)
		},
	}
	if a.deltaLog != nil {
		backend.Appender = a.deltaLog
	}

	for _, stream := range cfg.Streams {
		src, err := sourcepg.New(a.source, sourcepg.Table{
			Name:            stream.Table,
			EntityColumn:    stream.EntityColumn,
			VersionTSColumn: stream.VersionTSColumn,
			SeqColumn:       stream.SeqColumn,
			Columns:         stream.Columns,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("stream %s: %w", stream.ID, err)
		}

		runner, err := BuildRunner(cfg, stream, src, backend)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.runners = append(a.runners, runner)
	}

	log.Info().Int("streams", len(a.runners)).Bool("delta_log", a.deltaLog != nil).Msg("Application wired")
	return a, nil
}

// NewDeltaLog builds the ClickHouse delta log.
func NewDeltaLog(cfg *config.Config) (*deltalog.Log, error) {
	client, err := clickhouse.NewClient(cfg.ClickHouse.URL, cfg.ClickHouse.Username, cfg.ClickHouse.Password,
		clickhouse.WithRetryConfig(cfg.Retry.Config()))
	if err != nil {
		return nil, fmt.Errorf("delta log: %w", err)
	}
	return deltalog.New(client, cfg.ClickHouse.Table, cfg.ClickHouse.Retention), nil
}

func (a *App) Close() {
	if a.source != nil {
		a.source.Close()
	}
	if a.warehouse != nil {
		a.warehouse.Close()
	}
}

func (a *App) Runners() []*pipeline.Runner {
	return a.runners
}

// Runner returns the runner of a stream.
func (a *App) Runner(streamID string) (*pipeline.Runner, error) {
	for _, r := range a.runners {
		if r.StreamID() == streamID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("unknown stream %q", streamID)
}

func (a *App) Watermarks() watermark.Store {
	return a.wh
}

// DeltaLog returns the delta log, or an error when ClickHouse is not configured.
func (a *App) DeltaLog() (*deltalog.Log, error) {
	if a.deltaLog == nil {
		return nil, errors.New("delta log is disabled: clickhouse.url is not set")
	}
	return a.deltaLog, nil
}

func (a *App) Scheduler() *pipeline.Scheduler {
	return &pipeline.Scheduler{
		Runners:     a.runners,
		Interval:    a.cfg.Schedule.Interval,
		RaceRetries: a.cfg.Schedule.RaceRetries,
	}
}

// Health reports unhealthy while any stream sits in FAILED after its last run.
func Health(runners []*pipeline.Runner) metrics.HealthFunc {
	return func() (bool, any) {
		healthy := true
		states := make(map[string]string, len(runners))
		for _, r := range runners {
			state := r.State()
			if state == pipeline.Failed {
				healthy = false
			}
			states[r.StreamID()] = state.String()
		}
		return healthy, map[string]any{"healthy": healthy, "streams": states}
	}
}
