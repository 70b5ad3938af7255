// Command swarmd is the event-sourced bead/agent swarm daemon: it wires
// together the event store, projections, agent pool, work queue, timer
// scheduler, workspace backend, and coordinator described in the package
// docs under internal/, and drives them until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/beadforge/internal/agentpool"
	"github.com/antigravity-dev/beadforge/internal/beadcore"
	"github.com/antigravity-dev/beadforge/internal/broadcast"
	"github.com/antigravity-dev/beadforge/internal/config"
	"github.com/antigravity-dev/beadforge/internal/eventstore"
	"github.com/antigravity-dev/beadforge/internal/projection"
	"github.com/antigravity-dev/beadforge/internal/swarm"
	"github.com/antigravity-dev/beadforge/internal/timer"
	"github.com/antigravity-dev/beadforge/internal/workflow"
	"github.com/antigravity-dev/beadforge/internal/workqueue"
	"github.com/antigravity-dev/beadforge/internal/workspace"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildEventStore(cfg *config.Config) (eventstore.EventStore, error) {
	switch cfg.EventStore.Backend {
	case "memory":
		return eventstore.NewMemoryStore(), nil
	case "sqlite":
		return eventstore.OpenSQLite(cfg.EventStore.DBPath)
	default:
		return nil, fmt.Errorf("unknown event store backend %q", cfg.EventStore.Backend)
	}
}

func buildWorkspaceBackend(cfg *config.Config) (workspace.Backend, error) {
	switch cfg.Workspace.Backend {
	case "docker":
		return workspace.NewDockerBackend(cfg.Workspace.Image, cfg.Workspace.Root)
	default:
		return workspace.NewDirBackend(cfg.Workspace.Root)
	}
}

func buildGates(cfg *config.Config) []swarm.Gate {
	if !cfg.Quality.Enabled {
		return nil
	}
	extensions := cfg.Quality.NoTODOExtensions
	if len(extensions) == 0 {
		extensions = []string{".go"}
	}
	gates := []swarm.Gate{swarm.NewNoTODOGate(extensions...)}
	if cfg.Quality.ComplianceExtension != "" && cfg.Quality.ComplianceThreshold > 0 {
		gates = append(gates, &swarm.MinimumComplianceGate{
			GateName:  "minimum_compliance",
			Threshold: cfg.Quality.ComplianceThreshold,
			Extension: cfg.Quality.ComplianceExtension,
			Check: func(_ string, content []byte) bool {
				return len(content) > 0
			},
		})
	}
	return gates
}

func main() {
	configPath := flag.String("config", "swarmd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("swarmd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	store, err := buildEventStore(cfg)
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	timerStore, err := timer.OpenSQLite(cfg.Timer.DBPath)
	if err != nil {
		logger.Error("failed to open timer store", "error", err)
		os.Exit(1)
	}
	defer timerStore.Close()

	backend, err := buildWorkspaceBackend(cfg)
	if err != nil {
		logger.Error("failed to set up workspace backend", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proj, err := projection.NewManaged(ctx, store, projection.AllBeadsProjection{})
	if err != nil {
		logger.Error("failed to build projection", "error", err)
		os.Exit(1)
	}

	pool := agentpool.New(agentpool.Config{
		HeartbeatTimeout:    cfg.AgentPool.HeartbeatTimeout.Duration,
		MaxConsecutiveFails: cfg.AgentPool.MaxConsecutiveFails,
		Logger:              logger.With("component", "agentpool"),
		OnUnhealthy: func(agentID beadcore.AgentID, reason string) {
			if _, err := store.Append(ctx, beadcore.NewWorkerUnhealthyEvent(agentID, reason)); err != nil {
				logger.Error("append worker unhealthy event", "agent_id", agentID, "error", err)
			}
		},
	})

	queue := workqueue.New()

	bus := broadcast.New(ctx, store)
	defer bus.Close()

	coordinator := swarm.New(swarm.Config{
		Store:      store,
		Projection: proj,
		Agents:     pool,
		Queue:      queue,
		Timers:     timerStore,
		Workspaces: backend,
		HandoffDir: cfg.General.HandoffDir,
		Retry: swarm.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay.Duration,
			Multiplier: cfg.Retry.Multiplier,
			MaxDelay:   cfg.Retry.MaxDelay.Duration,
			Jitter:     cfg.Retry.Jitter,
		},
		Gates:  buildGates(cfg),
		Logger: logger.With("component", "swarm"),
	})

	timerScheduler := timer.NewScheduler(timerStore, coordinator.FireTimer, cfg.Timer.PollInterval.Duration, logger.With("component", "timer"))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		timerScheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.RunHealthMonitor(ctx, cfg.AgentPool.CheckInterval.Duration)
	}()
	go func() {
		defer wg.Done()
		coordinator.Run(ctx, cfg.General.DrainInterval.Duration, cfg.General.PollInterval.Duration)
	}()

	if cfg.Temporal.Enabled {
		go func() {
			logger.Info("starting temporal worker", "host_port", cfg.Temporal.HostPort)
			if err := workflow.StartWorker(cfg.Temporal.HostPort, coordinator, logger.With("component", "temporal")); err != nil {
				logger.Error("temporal worker error", "error", err)
			}
		}()
	}

	logger.Info("swarmd running",
		"event_store_backend", cfg.EventStore.Backend,
		"workspace_backend", cfg.Workspace.Backend,
		"handoff_dir", cfg.General.HandoffDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	var cfgMu sync.Mutex
	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			cfgMu.Lock()
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
			} else {
				logger.Info("config reloaded")
			}
			cfgMu.Unlock()
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			wg.Wait()
			logger.Info("swarmd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
