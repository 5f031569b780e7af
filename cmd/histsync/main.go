package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jkaflik/histsync/internal/app"
	"github.com/jkaflik/histsync/internal/config"
	"github.com/jkaflik/histsync/internal/metrics"
	"github.com/jkaflik/histsync/internal/pipeline"
	"github.com/jkaflik/histsync/internal/warehouse/postgres"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Err(err).Msg("Command failed")
		cancel()
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "histsync",
		Short:         "Historize changed rows of transactional tables into an SCD2 warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if err := app.SetupLogging(cfg.Log); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	defaultPath := os.Getenv(config.EnvPrefix + "_CONFIG")
	if defaultPath == "" {
		defaultPath = "histsync.yaml"
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultPath, "path to the config file")

	root.AddCommand(c.runCmd(), c.serveCmd(), c.migrateCmd(), c.watermarkCmd(), c.replayCmd())
	return root
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, c.cfg)
}

func (c *cli) runCmd() *cobra.Command {
	var streamID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one run of every stream, or of one stream, and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runners := a.Runners()
			if streamID != "" {
				r, err := a.Runner(streamID)
				if err != nil {
					return err
				}
				runners = []*pipeline.Runner{r}
			}

			scheduler := a.Scheduler()
			var errs []error
			for _, r := range runners {
				report, err := scheduler.RunOnce(cmd.Context(), r)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				printReport(cmd, report)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVarP(&streamID, "stream", "s", "", "run only this stream")
	return cmd
}

func printReport(cmd *cobra.Command, r *pipeline.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: extracted=%d quarantined=%d inserted=%d unchanged=%d stale=%d projected=%d window=%s/%d watermark=%s\n",
		r.StreamID, r.RunID, r.Extracted, r.Quarantined, r.History.Inserted, r.History.Unchanged, r.History.Stale,
		r.Projected, r.Window.Strategy, r.Window.Rows, r.Attempted)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every stream on the configured schedule and expose metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			server := metrics.NewServer(c.cfg.Metrics.Addr, app.Health(a.Runners()))
			go func() {
				if err := server.Start(); err != nil {
					log.Err(err).Msg("Metrics server stopped")
				}
			}()

			log.Info().
				Dur("interval", c.cfg.Schedule.Interval).
				Int("streams", len(a.Runners())).
				Msg("Scheduler started")

			err = a.Scheduler().Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				log.Err(serr).Msg("Failed to shut down metrics server")
			}

			log.Info().Msg("Shutting down")
			return err
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the warehouse schema and the delta table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if down {
				return postgres.MigrateDown(c.cfg.Warehouse.DSN)
			}
			if err := postgres.Migrate(c.cfg.Warehouse.DSN); err != nil {
				return err
			}

			if !c.cfg.ClickHouse.Enabled() {
				log.Info().Msg("ClickHouse not configured, skipping delta table")
				return nil
			}
			deltaLog, err := app.NewDeltaLog(c.cfg)
			if err != nil {
				return err
			}
			return deltaLog.CreateTable(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every warehouse migration")
	return cmd
}

func (c *cli) watermarkCmd() *cobra.Command {
	wm := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect committed watermarks",
	}

	wm.AddCommand(&cobra.Command{
		Use:   "show [stream...]",
		Short: "Print the committed watermark of streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := postgres.Open(cmd.Context(), c.cfg.Warehouse.DSN, postgres.DefaultPoolConfig())
			if err != nil {
				return err
			}
			defer pool.Close()
			wh := postgres.New(pool)

			streams := args
			if len(streams) == 0 {
				for _, s := range c.cfg.Streams {
					streams = append(streams, s.ID)
				}
			}

			for _, id := range streams {
				w, err := wh.Read(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("stream %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, w)
			}
			return nil
		},
	})
	return wm
}

func (c *cli) replayCmd() *cobra.Command {
	var streamID, runID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply the retained delta rows of a run without moving the watermark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			deltaLog, err := a.DeltaLog()
			if err != nil {
				return err
			}
			runner, err := a.Runner(streamID)
			if err != nil {
				return err
			}

			report, err := runner.Replay(cmd.Context(), deltaLog, runID)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&streamID, "stream", "s", "", "stream of the run")
	cmd.Flags().StringVar(&runID, "run", "", "id of the run to replay")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
