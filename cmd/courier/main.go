// Command courier runs the automation session pool, the job queue
// workers, and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/halverson/courier/pkg/api"
	"github.com/halverson/courier/pkg/bus"
	"github.com/halverson/courier/pkg/config"
	"github.com/halverson/courier/pkg/driver"
	"github.com/halverson/courier/pkg/jobs"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/metrics"
	"github.com/halverson/courier/pkg/pool"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to config file (YAML)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("courier %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := ulid.Make().String()
	logger, err := logging.NewLogger(cfg.Logging.Dir, runID)
	if err != nil {
		return fmt.Errorf("open logger: %w", err)
	}
	defer logger.Close()
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	events, err := newBus(cfg)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer events.Close()

	runtime, err := driver.NewRodRuntime(driver.Config{
		TargetURL:     cfg.Driver.TargetURL,
		Headless:      cfg.Driver.Headless,
		ChromeBin:     cfg.Driver.ChromeBin,
		NavTimeout:    cfg.Driver.NavTimeout(),
		ActionTimeout: cfg.Driver.ActionTimeout(),
		SettleDelay:   cfg.Driver.SettleDelay(),
		PacingDelay:   cfg.Driver.PacingDelay(),
	})
	if err != nil {
		return fmt.Errorf("start browser runtime: %w", err)
	}
	defer runtime.Close()

	sessions := pool.New(runtime, store, logger, events, pool.Config{
		MaxSessions: cfg.Pool.MaxSessions,
	})
	defer sessions.Close()
	if err := sessions.LoadExisting(ctx); err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}

	broker, err := newBroker(cfg, store)
	if err != nil {
		return err
	}
	defer broker.Close()

	service := jobs.NewService(store, broker, logger, events)

	sendDispatcher := jobs.NewDispatcher(store, sessions, logger, events, jobs.DispatcherConfig{
		MaxAttempts:  cfg.Queues.Send.MaxAttempts,
		MaxRequeues:  cfg.Queues.Send.MaxRequeues,
		RequeueDelay: cfg.Queues.Send.RequeueDelay(),
		PacingDelay:  cfg.Driver.PacingDelay(),
	})
	fetchDispatcher := jobs.NewDispatcher(store, sessions, logger, events, jobs.DispatcherConfig{
		MaxAttempts:  cfg.Queues.Fetch.MaxAttempts,
		MaxRequeues:  cfg.Queues.Fetch.MaxRequeues,
		RequeueDelay: cfg.Queues.Fetch.RequeueDelay(),
	})

	sendWorkers := queue.NewWorkerPool(broker, sendDispatcher.Handler(), logger, queue.WorkerPoolConfig{
		Queue:       jobs.QueueSend,
		Workers:     cfg.Queues.Send.Workers,
		BackoffBase: cfg.Queues.Send.BackoffBase(),
		BackoffCap:  cfg.Queues.Send.BackoffCap(),
	})
	fetchWorkers := queue.NewWorkerPool(broker, fetchDispatcher.Handler(), logger, queue.WorkerPoolConfig{
		Queue:       jobs.QueueFetch,
		Workers:     cfg.Queues.Fetch.Workers,
		BackoffBase: cfg.Queues.Fetch.BackoffBase(),
		BackoffCap:  cfg.Queues.Fetch.BackoffCap(),
	})

	server := api.NewServer(api.Config{BindAddress: cfg.API.Address}, store, sessions, service, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sendWorkers.Run(gctx) })
	g.Go(func() error { return fetchWorkers.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return maintain(gctx, cfg, broker, sessions) })

	logger.Info(logging.CategoryAPI, "startup", "courier started", map[string]any{
		"run_id": runID, "version": version,
	})
	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Broker.NATSURL == "" {
		return bus.NewMemoryBus(), nil
	}
	busCfg := bus.DefaultConfig()
	busCfg.URL = cfg.Broker.NATSURL
	return bus.NewNATSBus(busCfg)
}

func newBroker(cfg *config.Config, store *storage.Store) (queue.Broker, error) {
	// Lease TTL covers both queues; a stalled claim on either must be
	// recoverable, so the longer stall timeout wins.
	lease := cfg.Queues.Send.StallTimeout()
	if fetch := cfg.Queues.Fetch.StallTimeout(); fetch > lease {
		lease = fetch
	}

	switch cfg.Broker.Backend {
	case "", "sqlite":
		poll := cfg.Queues.Send.PollInterval()
		if fetch := cfg.Queues.Fetch.PollInterval(); fetch > 0 && fetch < poll {
			poll = fetch
		}
		return queue.NewSQLiteBroker(store, lease, poll), nil
	case "memory":
		return queue.NewMemoryBroker(lease), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

// maintain runs the housekeeping loop: purge settled queue entries and
// refresh the depth and session gauges.
func maintain(ctx context.Context, cfg *config.Config, broker queue.Broker, sessions *pool.Pool) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	cleanAges := map[string]time.Duration{
		jobs.QueueSend:  cfg.Queues.Send.CleanAge(),
		jobs.QueueFetch: cfg.Queues.Fetch.CleanAge(),
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for name, age := range cleanAges {
			if age > 0 {
				broker.Clean(ctx, name, age)
			}
			if depth, err := broker.Depth(ctx, name); err == nil {
				metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}

		if stats, err := sessions.Stats(); err == nil {
			metrics.SessionsByStatus.WithLabelValues(storage.SessionStatusAvailable).Set(float64(stats.Available))
			metrics.SessionsByStatus.WithLabelValues(storage.SessionStatusBusy).Set(float64(stats.Busy))
			metrics.SessionsByStatus.WithLabelValues(storage.SessionStatusDisconnected).Set(float64(stats.Disconnected))
			metrics.SessionsByStatus.WithLabelValues(storage.SessionStatusClosed).Set(float64(stats.Closed))
		}
	}
}
