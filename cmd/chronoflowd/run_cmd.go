package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chronoflow/chronoflow/internal/archive"
	"github.com/chronoflow/chronoflow/internal/config"
	"github.com/chronoflow/chronoflow/internal/eventbus"
	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/observer"
	"github.com/chronoflow/chronoflow/internal/persistence"
	"github.com/chronoflow/chronoflow/internal/reconciler"
	"github.com/chronoflow/chronoflow/internal/scheduler"
	"github.com/chronoflow/chronoflow/internal/telemetry"
)

// newRunCmd builds the daemon command (spec §6): it loads config, wires
// the Scheduler Core, the Directory Reconciler, and whichever optional
// observer sinks are configured (SPEC_FULL.md §11), then runs until
// signaled. A golang.org/x/sync/errgroup holds the process open until the
// signal cancels the root context; the deferred Stop/Close calls then shut
// down the reconciler, the scheduler, the observer dispatcher, the sinks,
// and the event log file, in that order.
func newRunCmd() *cobra.Command {
	var jobsDir string
	var logLevel string
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chronoflow scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(jobsDir, logLevel, configPath)
		},
	}

	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "directory to watch for job definition files (overrides config/env)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "DEBUG|INFO|WARNING|ERROR (overrides config/env)")
	cmd.Flags().StringVar(&configPath, "config", "", "optional path to a YAML config file")

	return cmd
}

func runDaemon(jobsDirFlag, logLevelFlag, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if jobsDirFlag != "" {
		cfg.JobsDir = jobsDirFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	if err := configureLogging(cfg.LogLevel); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("chronoflowd: create log dir %s: %w", cfg.LogDir, err)
	}

	events, closer, err := eventlog.Open(filepath.Join(cfg.LogDir, "scheduler.log"))
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return fmt.Errorf("chronoflowd: config watcher: %w", err)
		}
		watcher.OnChange(func(reloaded *config.Config) {
			if logLevelFlag == "" {
				if err := configureLogging(reloaded.LogLevel); err != nil {
					slog.Error("config reload: bad log level", "error", err)
				}
			}
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("chronoflowd: config watcher start: %w", err)
		}
		defer watcher.Stop()
	}

	dispatcher := observer.NewDispatcher(0)
	cleanupSinks, err := registerSinks(ctx, dispatcher, cfg)
	if err != nil {
		return err
	}
	defer cleanupSinks()
	dispatcher.Start()
	defer dispatcher.Stop()

	var archiver scheduler.Archiver
	if cfg.ArchiveS3Bucket != "" {
		up, err := archive.New(ctx, cfg.ArchiveS3Bucket)
		if err != nil {
			return fmt.Errorf("chronoflowd: archive uploader: %w", err)
		}
		archiver = up
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Tick = cfg.SchedulerCheckInterval
	schedCfg.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	schedCfg.JobTimeout = cfg.JobTimeout
	schedCfg.Retry.MaxRetries = cfg.MaxRetries
	schedCfg.Retry.BaseDelay = cfg.RetryDelay
	schedCfg.LogRoot = cfg.LogDir

	core := scheduler.New(schedCfg, events, dispatcher, archiver)
	core.Start()
	defer core.Stop()

	rec := reconciler.New(cfg.JobsDir, cfg.WatcherPollInterval, core, events)
	rec.Start()
	defer rec.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return group.Wait()
}

// registerSinks wires the optional persistence/eventbus/telemetry observers
// per SPEC_FULL.md §11, each enabled only when its config field is set. The
// returned cleanup func closes whatever was opened, in reverse order.
func registerSinks(ctx context.Context, dispatcher *observer.Dispatcher, cfg *config.Config) (func(), error) {
	var closers []func()

	if cfg.PersistDSN != "" {
		store, err := persistence.Open(ctx, cfg.PersistDSN)
		if err != nil {
			return nil, fmt.Errorf("chronoflowd: persistence: %w", err)
		}
		dispatcher.Register(store)
		closers = append(closers, func() { store.Close() })
	}

	if cfg.EventsRedisAddr != "" {
		bus, err := eventbus.Open(ctx, cfg.EventsRedisAddr)
		if err != nil {
			return nil, fmt.Errorf("chronoflowd: eventbus: %w", err)
		}
		dispatcher.Register(bus)
		closers = append(closers, func() { bus.Close() })
	}

	if cfg.OTLPEndpoint != "" {
		exp, err := telemetry.New(ctx, telemetry.Config{Endpoint: cfg.OTLPEndpoint})
		if err != nil {
			return nil, fmt.Errorf("chronoflowd: telemetry: %w", err)
		}
		dispatcher.Register(exp)
		closers = append(closers, func() { exp.Shutdown(context.Background()) })
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
