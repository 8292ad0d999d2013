// Workspaced is the orchestration daemon for autonomous workspaces.
//
// This binary starts the workspaced HTTP server with full service
// initialization, including the SQLite store, NATS event ingestion, the
// recovery monitor, and optionally a Temporal synthesis worker.
//
// Configuration is loaded from a YAML file and environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	workspaced
//
//	# Configure via environment
//	SERVER_PORT=9191 STORE_PATH=/var/lib/workspaced/core.db workspaced
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/dispatch"
	"github.com/fyrsmithlabs/workspaced/internal/events"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/httpapi"
	"github.com/fyrsmithlabs/workspaced/internal/ledger"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/quality"
	"github.com/fyrsmithlabs/workspaced/internal/recovery"
	"github.com/fyrsmithlabs/workspaced/internal/services"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
	"github.com/fyrsmithlabs/workspaced/internal/telemetry"
	"github.com/fyrsmithlabs/workspaced/internal/trigger"
	"github.com/fyrsmithlabs/workspaced/internal/workflows"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  workspaced           Start the workspaced daemon\n")
			fmt.Fprintf(os.Stderr, "  workspaced version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("workspaced by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the workspaced daemon and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the SQLite store and connects to NATS
//  4. Wires the orchestration services (machine, accountant, guard, trigger)
//  5. Starts the event consumer and recovery monitor
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "Starting workspaced",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_path", cfg.Store.Path),
		zap.String("version", version),
	)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("temporal_connected", deps.temporalClient != nil),
	)

	registry, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	consumer, err := events.NewConsumer(deps.natsConn, registry.Dispatcher(), logger, cfg.Events, cfg.Synthesis.ResultSubject)
	if err != nil {
		return fmt.Errorf("create event consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start event consumer: %w", err)
	}
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn(ctx, "event consumer stop failed", zap.Error(err))
		}
	}()

	if deps.temporalWorker != nil {
		if err := deps.temporalWorker.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		defer deps.temporalWorker.Stop()
	}

	go func() {
		if err := registry.Recovery().Run(ctx); err != nil && err != context.Canceled {
			logger.Error(ctx, "recovery monitor stopped", zap.Error(err))
		}
	}()

	srv, err := httpapi.NewServer(cfg.Server, registry.Dispatcher(), logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
	)

	return srv.Start(ctx)
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store          *store.Store
	natsConn       *nats.Conn
	natsShutdown   func()
	temporalClient client.Client
	temporalWorker worker.Worker
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.temporalClient != nil {
		d.temporalClient.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsShutdown != nil {
		d.natsShutdown()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initDependencies opens the store and connects to the message
// infrastructure.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info(ctx, "Store opened", zap.String("path", cfg.Store.Path))

	nc, natsShutdown, err := events.Connect(cfg.Events, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Info(ctx, "Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	deps := &dependencies{
		store:        st,
		natsConn:     nc,
		natsShutdown: natsShutdown,
	}

	if cfg.Synthesis.Mode == "temporal" {
		tc, err := client.Dial(client.Options{
			HostPort: cfg.Synthesis.TemporalHost,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect to temporal at %s: %w", cfg.Synthesis.TemporalHost, err)
		}
		deps.temporalClient = tc
		logger.Info(ctx, "Connected to Temporal", zap.String("host", cfg.Synthesis.TemporalHost))
	}

	return deps, nil
}

// initServices wires the orchestration core.
func initServices(cfg *config.Config, deps *dependencies, logger *logging.Logger) (services.Registry, error) {
	machine, err := workspace.NewMachine(deps.store, logger)
	if err != nil {
		return nil, err
	}
	accountant, err := ledger.NewAccountant(deps.store, logger)
	if err != nil {
		return nil, err
	}
	g, err := guard.New(deps.store, logger, cfg.Recovery.CheckpointTTL.Duration())
	if err != nil {
		return nil, err
	}

	generator, err := initGenerator(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	engine, err := trigger.NewEngine(deps.store, g, generator, logger, cfg.Orchestrator)
	if err != nil {
		return nil, err
	}

	scorer := quality.DefaultChain(logger)
	dispatcher, err := dispatch.New(deps.store, machine, accountant, g, engine, scorer, logger)
	if err != nil {
		return nil, err
	}

	monitor, err := recovery.NewMonitor(deps.store, machine, g, dispatcher.Redispatch, logger, cfg.Recovery)
	if err != nil {
		return nil, err
	}

	// The Temporal worker records results straight into the dispatcher. The
	// built-in content function snapshots goal progress into the deliverable
	// record; deployments with a generator fleet replace it.
	if deps.temporalClient != nil {
		w := worker.New(deps.temporalClient, cfg.Synthesis.TaskQueue, worker.Options{})
		workflows.Register(w, &workflows.Activities{
			Generate: progressSnapshot(deps.store),
			Recorder: dispatcher,
		})
		deps.temporalWorker = w
	}

	return services.NewRegistry(services.Options{
		Store:      deps.store,
		Machine:    machine,
		Accountant: accountant,
		Guard:      g,
		Trigger:    engine,
		Scorer:     scorer,
		Generator:  generator,
		Dispatcher: dispatcher,
		Recovery:   monitor,
	}), nil
}

// progressSnapshot is the built-in content generator: it verifies the
// deliverable exists and returns a store-backed content reference.
func progressSnapshot(st *store.Store) workflows.ContentFunc {
	return func(ctx context.Context, in workflows.GenerateInput) (workflows.GenerateResult, error) {
		if _, err := st.GetDeliverable(ctx, in.DeliverableID); err != nil {
			return workflows.GenerateResult{}, fmt.Errorf("load deliverable %s: %w", in.DeliverableID, err)
		}
		return workflows.GenerateResult{
			ContentRef: "store://deliverables/" + in.DeliverableID,
		}, nil
	}
}

// initGenerator selects the synthesis handoff path.
func initGenerator(cfg *config.Config, deps *dependencies, logger *logging.Logger) (synthesis.Generator, error) {
	switch cfg.Synthesis.Mode {
	case "nats":
		return synthesis.NewNATSGenerator(deps.natsConn, cfg.Synthesis.RequestSubject, logger)
	case "temporal":
		return workflows.NewGenerator(deps.temporalClient, cfg.Synthesis.TaskQueue), nil
	case "none":
		return synthesis.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Synthesis.Mode)
	}
}
