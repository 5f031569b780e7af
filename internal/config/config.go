// Package config loads histsync.yaml with HISTSYNC_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jkaflik/histsync/internal/window"
	"github.com/jkaflik/histsync/pkg/retry"
)

const EnvPrefix = "HISTSYNC"

type Config struct {
	Log        Log        `mapstructure:"log"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Source     Database   `mapstructure:"source"`
	Warehouse  Database   `mapstructure:"warehouse"`
	ClickHouse ClickHouse `mapstructure:"clickhouse"`
	Schedule   Schedule   `mapstructure:"schedule"`
	Retry      Retry      `mapstructure:"retry"`
	// LockWait makes a run wait for a concurrent run of its stream instead of skipping.
	LockWait      bool          `mapstructure:"lock_wait"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
	Streams       []Stream      `mapstructure:"streams"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Database struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ClickHouse configures the delta log. Without a URL no delta rows are retained.
type ClickHouse struct {
	URL       string        `mapstructure:"url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Table     string        `mapstructure:"table"`
	Retention time.Duration `mapstructure:"retention"`
}

func (c ClickHouse) Enabled() bool {
	return c.URL != ""
}

type Schedule struct {
	Interval    time.Duration `mapstructure:"interval"`
	RaceRetries int           `mapstructure:"race_retries"`
}

type Retry struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

func (r Retry) Config() retry.Config {
	return retry.Config{
		MaxRetries:          r.MaxRetries,
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// Stream is one source table historized into the warehouse.
type Stream struct {
	ID              string `mapstructure:"id"`
	Table           string `mapstructure:"table"`
	EntityColumn    string `mapstructure:"entity_column"`
	VersionTSColumn string `mapstructure:"version_ts_column"`
	SeqColumn       string `mapstructure:"seq_column"`
	// Columns are read from the source table. Defaults to monitored plus attributes.
	Columns   []string `mapstructure:"columns"`
	Monitored []string `mapstructure:"monitored"`
	// Attributes are projected into the current attributes table. Empty means
	// every column that is not monitored.
	Attributes []string `mapstructure:"attributes"`

	SafetyWindow time.Duration `mapstructure:"safety_window"`
	BatchSize    int           `mapstructure:"batch_size"`
	Lanes        int           `mapstructure:"lanes"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	Window       Window        `mapstructure:"window"`
}

// Sequenced reports whether the source table carries a sequence column.
func (s Stream) Sequenced() bool {
	return s.SeqColumn != ""
}

type Window struct {
	Strategy  string        `mapstructure:"strategy"`
	Size      time.Duration `mapstructure:"size"`
	Threshold int           `mapstructure:"threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", ":9090")

	for _, db := range []string{"source", "warehouse"} {
		v.SetDefault(db+".dsn", "")
		v.SetDefault(db+".max_conns", 10)
		v.SetDefault(db+".min_conns", 1)
		v.SetDefault(db+".max_conn_lifetime", 30*time.Minute)
		v.SetDefault(db+".max_conn_idle_time", 5*time.Minute)
	}

	v.SetDefault("clickhouse.url", "")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.table", "histsync_delta_log")
	v.SetDefault("clickhouse.retention", 7*24*time.Hour)

	v.SetDefault("schedule.interval", 5*time.Minute)
	v.SetDefault("schedule.race_retries", 3)

	rc := retry.DefaultConfig()
	v.SetDefault("retry.max_retries", rc.MaxRetries)
	v.SetDefault("retry.initial_interval", rc.InitialInterval)
	v.SetDefault("retry.max_interval", rc.MaxInterval)
	v.SetDefault("retry.multiplier", rc.Multiplier)
	v.SetDefault("retry.randomization_factor", rc.RandomizationFactor)

	v.SetDefault("lock_wait", false)
	v.SetDefault("commit_timeout", 30*time.Second)
}

// Stream defaults applied to fields left unset in the file.
const (
	DefaultSafetyWindow    = 5 * time.Minute
	DefaultBatchSize       = 5000
	DefaultLanes           = 4
	DefaultChunkSize       = 500
	DefaultWindowSize      = 30 * 24 * time.Hour
	DefaultWindowThreshold = 10000
)

func (s *Stream) applyDefaults() {
	if len(s.Columns) == 0 {
		s.Columns = slices.Clone(s.Monitored)
		for _, a := range s.Attributes {
			if !slices.Contains(s.Columns, a) {
				s.Columns = append(s.Columns, a)
			}
		}
	}
	if s.VersionTSColumn == "" {
		s.VersionTSColumn = "updated_at"
	}
	if s.SafetyWindow == 0 {
		s.SafetyWindow = DefaultSafetyWindow
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Lanes == 0 {
		s.Lanes = DefaultLanes
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.Window.Strategy == "" {
		s.Window.Strategy = string(window.Auto)
	}
	if s.Window.Size == 0 {
		s.Window.Size = DefaultWindowSize
	}
	if s.Window.Threshold == 0 {
		s.Window.Threshold = DefaultWindowThreshold
	}
}

// Load reads the config file at path, if any, then environment overrides such
// as HISTSYNC_SOURCE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Streams {
		cfg.Streams[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Source.DSN == "" {
		errs = append(errs, errors.New("source.dsn is required"))
	}
	if c.Warehouse.DSN == "" {
		errs = append(errs, errors.New("warehouse.dsn is required"))
	}
	if c.ClickHouse.Enabled() && c.ClickHouse.Retention <= 0 {
		errs = append(errs, errors.New("clickhouse.retention must be positive"))
	}
	if c.Schedule.RaceRetries < 0 {
		errs = append(errs, errors.New("schedule.race_retries must not be negative"))
	}
	if len(c.Streams) == 0 {
		errs = append(errs, errors.New("at least one stream is required"))
	}

	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = struct{}{}

		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("streams[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (s Stream) Validate() error {
	switch {
	case s.ID == "":
		return errors.New("id is required")
	case s.Table == "":
		return fmt.Errorf("stream %s: table is required", s.ID)
	case s.EntityColumn == "":
		return fmt.Errorf("stream %s: entity_column is required", s.ID)
	case len(s.Monitored) == 0:
		return fmt.Errorf("stream %s: at least one monitored field is required", s.ID)
	case s.SafetyWindow < 0:
		return fmt.Errorf("stream %s: safety_window must not be negative", s.ID)
	case s.Window.Size <= 0:
		return fmt.Errorf("stream %s: window.size must be positive", s.ID)
	}

	for _, m := range s.Monitored {
		if !slices.Contains(s.Columns, m) {
			return fmt.Errorf("stream %s: monitored field %s is not a column", s.ID, m)
		}
	}
	for _, a := range s.Attributes {
		if slices.Contains(s.Monitored, a) {
			return fmt.Errorf("stream %s: field %s is both monitored and an attribute", s.ID, a)
		}
		if !slices.Contains(s.Columns, a) {
			return fmt.Errorf("stream %s: attribute %s is not a column", s.ID, a)
		}
	}

	if _, err := window.ParseStrategy(s.Window.Strategy); err != nil {
		return fmt.Errorf("stream %s: %w", s.ID, err)
	}
	return nil
}

// Stream returns the stream with the given id.
func (c *Config) Stream(id string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return Stream{}, false
}
