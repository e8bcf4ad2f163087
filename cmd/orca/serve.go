package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/cleanup"
	"github.com/emily-flambe/orca-sub001/internal/config"
	"github.com/emily-flambe/orca-sub001/internal/coordination"
	"github.com/emily-flambe/orca-sub001/internal/depgraph"
	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/httpapi"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/metrics"
	"github.com/emily-flambe/orca-sub001/internal/poller"
	"github.com/emily-flambe/orca-sub001/internal/scheduler"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracing"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

func runServe(ctx context.Context, configPath, storeOverride string) error {
	var opts []config.Option
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if storeOverride != "" {
		cfg.StorePath = storeOverride
	}

	logger, closeLog := newLogger(cfg.SystemLogPath)
	defer closeLog()

	shutdownTracing, err := tracing.Bootstrap(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("bootstrap tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("orca: tracing shutdown: %v", err)
		}
	}()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}

	trackerClient, err := tracker.New(tracker.Config{
		Endpoint:  cfg.TrackerEndpoint,
		APIKey:    cfg.TrackerAPIKey,
		Logger:    logger,
		CacheSize: cfg.TrackerCacheSize,
	})
	if err != nil {
		return fmt.Errorf("build tracker client: %w", err)
	}

	graph := depgraph.New(logger)
	bus := eventbus.New()
	metricsRegistry := metrics.New()

	states := newWorkflowStateCache(trackerClient, cfg.TrackerTeamIDs, logger)
	states.Start(ctx, 5*time.Minute)

	sched := scheduler.New(cfg.Scheduler, st, graph, nil, bus, states.Get, logger,
		scheduler.WithMetrics(metricsRegistry))

	projects := make([]synchronizer.ProjectConfig, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, synchronizer.ProjectConfig{ProjectID: p.ProjectID, RepoRoot: p.RepoRoot})
	}

	sync := synchronizer.New(synchronizer.Config{
		Store:           st,
		Tracker:         trackerClient,
		Graph:           graph,
		ExpectedChanges: coordination.NewExpectedChangeTable(),
		Bus:             bus,
		Killer:          sched,
		Logger:          logger,
		Projects:        projects,
		DefaultRepoRoot: cfg.DefaultRepoRoot,
	})
	sched.SetSync(sync)

	cleanupRunner := cleanup.New(cleanup.Config{
		Store:        st,
		Logger:       logger,
		BranchMaxAge: cfg.BranchMaxAge,
	})

	tunnelConnected := func() bool { return false }
	pollerRunner := poller.New(sync, tunnelConnected, logger)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Store:             st,
		Scheduler:         sched,
		Sync:              sync,
		Bus:               bus,
		WorkflowStates:    states.Get,
		Logger:            logger,
		Metrics:           metricsRegistry,
		SystemLogPath:     cfg.SystemLogPath,
		WebhookSecret:     cfg.WebhookSecret,
		WebhookProjectIDs: cfg.WebhookProjectIDs,
	}, httpapi.RouterConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		RequestTimeout:  cfg.RequestTimeout,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched.RecoverOrphans()
	sched.Start(runCtx)
	defer sched.Stop()

	pollerRunner.Start(runCtx)
	defer pollerRunner.Stop()

	stopCleanup := runCleanupLoop(runCtx, cleanupRunner, cfg.CleanupInterval, logger)
	defer stopCleanup()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Println(cliGreen(fmt.Sprintf("orca: listening on %s", cfg.HTTPAddr)))
	return serveUntilSignal(server, logger)
}

// newLogger opens the system log file and writes structured records there
// and to stderr, so GET /api/logs/system has something to tail from process
// start.
func newLogger(path string) (logging.Logger, func()) {
	if path == "" {
		return logging.New(slog.LevelInfo), func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orca: open system log %s: %v (logging to stderr only)\n", path, err)
		return logging.New(slog.LevelInfo), func() {}
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: slog.LevelInfo})
	return logging.NewWithHandler(handler), func() { f.Close() }
}

func runCleanupLoop(ctx context.Context, r *cleanup.Runner, interval time.Duration, logger logging.Logger) func() {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.Run(loopCtx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func serveUntilSignal(server *http.Server, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("orca: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		return serveErr
	}
}
