package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/config"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/exitcodes"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/fetch"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/logging"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/metadata"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/notify"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/orchestrator"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/runlog"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/transform"
	"github.com/prantonia/sql-pipeline-nyc-taxi/internal/warehouse"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "taxipipe",
		Usage:   "Idempotent monthly-partition pipeline for NYC yellow taxi data",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file (falls back to environment variables)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "Show download progress bars (for interactive use)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "full-refresh",
				Usage: "Reconcile every month of the dataset year against the warehouse",
				Action: func(c *cli.Context) error {
					return runPipeline(c, "full-refresh")
				},
			},
			{
				Name:  "incremental-step",
				Usage: "Advance the pipeline by exactly one monthly partition",
				Action: func(c *cli.Context) error {
					return runPipeline(c, "incremental-step")
				},
			},
			{
				Name:   "status",
				Usage:  "Show the progress cursor and the last recorded run",
				Action: showStatus,
			},
			{
				Name:   "history",
				Usage:  "List recent pipeline runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs to list",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

// loadConfig reads the YAML config when the file exists and falls back to
// environment variables otherwise, matching how the pipeline runs under
// Airflow and docker-compose.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	if c.IsSet("config") {
		return nil, exitcodes.NewExitError(
			fmt.Errorf("config file not found: %s", path), exitcodes.ConfigError)
	}
	logging.Debug("No config file at %s, reading configuration from environment", path)
	return config.FromEnv()
}

func runPipeline(c *cli.Context, mode string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, finishing current statement...")
		cancel()
	}()

	wh, err := warehouse.New(ctx, cfg.DSN())
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer wh.Close()

	ledger, err := runlog.Open(cfg.Pipeline.DataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	store := metadata.NewStore(wh.Pool(), cfg.Tables.Metadata)
	runner := transform.NewRunner(wh, cfg.Pipeline.SQLDir,
		cfg.Pipeline.SchemaScript, cfg.Pipeline.CleaningScript, cfg.Pipeline.AggregationScript)
	fetcher := fetch.New(c.Bool("progress"))
	notifier := notify.New(&cfg.Slack)

	orch := orchestrator.New(cfg, fetcher, orchestrator.OpenParquet, wh, runner, store)

	runID, err := ledger.StartRun(cfg.Pipeline.Name, mode)
	if err != nil {
		return err
	}
	logging.Info("Starting %s run %s for pipeline %s", mode, runID, cfg.Pipeline.Name)
	if err := notifier.RunStarted(runID, cfg.Pipeline.Name, mode); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	start := time.Now()
	var result *orchestrator.Result
	switch mode {
	case "full-refresh":
		result, err = orch.FullRefresh(ctx)
	default:
		result, err = orch.IncrementalStep(ctx)
	}
	elapsed := time.Since(start)

	if err != nil {
		if recordErr := ledger.CompleteRun(runID, runlog.StatusFailed, "", 0, err.Error()); recordErr != nil {
			logging.Warn("Could not record failed run: %v", recordErr)
		}
		if notifyErr := notifier.RunFailed(runID, cfg.Pipeline.Name, mode, err, elapsed); notifyErr != nil {
			logging.Warn("Slack notification failed: %v", notifyErr)
		}
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			return exitcodes.NewExitError(err, exitcodes.ConnectionError)
		}
		return err
	}

	status := runlog.StatusSucceeded
	if result.NoOp {
		status = runlog.StatusNoOp
	}
	if recordErr := ledger.CompleteRun(runID, status, result.Partition, result.RowsLoaded, ""); recordErr != nil {
		logging.Warn("Could not record completed run: %v", recordErr)
	}
	if notifyErr := notifier.RunCompleted(runID, cfg.Pipeline.Name, mode, result.Partition, result.RowsLoaded, elapsed); notifyErr != nil {
		logging.Warn("Slack notification failed: %v", notifyErr)
	}

	if result.NoOp {
		logging.Info("Run %s finished with nothing to do (%.1fs)", runID, elapsed.Seconds())
	} else {
		logging.Info("Run %s finished: %d rows loaded in %.1fs", runID, result.RowsLoaded, elapsed.Seconds())
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx := context.Background()

	fmt.Printf("Pipeline:  %s\n", cfg.Pipeline.Name)
	fmt.Printf("Year:      %d\n", cfg.Dataset.Year)

	wh, err := warehouse.New(ctx, cfg.DSN())
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer wh.Close()

	store := metadata.NewStore(wh.Pool(), cfg.Tables.Metadata)
	if err := store.Ensure(ctx); err != nil {
		return err
	}
	cursor, err := store.Get(ctx, cfg.Pipeline.Name)
	if err != nil {
		return err
	}
	if cursor == nil {
		fmt.Println("Cursor:    none (no partition completed yet)")
	} else {
		fmt.Printf("Cursor:    %s (written %s)\n",
			cursor.LastLoaded, cursor.LoadedAt.Format("2006-01-02 15:04:05"))
	}

	if exists, err := wh.TableExists(ctx, cfg.Tables.Raw); err == nil && exists {
		if count, err := wh.RowCount(ctx, cfg.Tables.Raw); err == nil {
			fmt.Printf("Raw rows:  %d\n", count)
		}
	}

	ledger, err := runlog.Open(cfg.Pipeline.DataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	last, err := ledger.LastRun(cfg.Pipeline.Name)
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Println("Last run:  none recorded on this host")
		return nil
	}
	fmt.Printf("Last run:  %s %s (%s, started %s)\n",
		last.Mode, last.Status, last.ID, last.StartedAt.Format("2006-01-02 15:04:05"))
	if last.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", last.ErrorMessage)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ledger, err := runlog.Open(cfg.Pipeline.DataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.RecentRuns(cfg.Pipeline.Name, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODE\tPARTITION\tSTATUS\tROWS\tRUN ID")
	for _, r := range runs {
		part := r.Partition
		if part == "" {
			part = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Mode, part, r.Status, r.RowsLoaded, r.ID)
	}
	return w.Flush()
}
