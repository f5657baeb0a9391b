// Command relay runs the intercepting proxy between OpenAI-compatible
// clients and the configured model providers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/recorder"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/toolserver"
)

var version = "dev"

// Process exit codes.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitNoToolServer  = 2
)

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Intercepting proxy between IDE clients and LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runServe(configPath))
			return nil
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relay", version)
		},
	}

	root.AddCommand(serve, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupFailed)
	}
}

func runServe(configPath string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitStartupFailed
	}
	snapshot := config.NewSnapshot(cfg, configPath)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg),
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer tracerShutdown(context.Background())

	eventBus := bus.New(metrics.BusDroppedSubscribers)
	defer eventBus.Close()

	registry, err := capability.NewRegistry(cfg.Profiles.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "capability profiles:", err)
		return exitStartupFailed
	}
	go registry.ListenInvalidation(ctx, eventBus.Subscribe(16, nil), logger)
	go func() {
		if err := snapshot.Watch(ctx, eventBus, logger); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "config watcher stopped", "error", err)
		}
	}()

	supervisor := toolserver.New(cfg.ToolServer, registry, logger, metrics, eventBus)
	if err := supervisor.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tool server:", err)
		if cfg.ToolServer.RemoteURL == "" {
			// Subprocess could not be started and no remote is configured.
			return exitNoToolServer
		}
		return exitStartupFailed
	}
	defer supervisor.Close()

	providers := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		adapter, err := provider.NewOpenAICompat(name, providerCfg, metrics)
		if err != nil {
			fmt.Fprintln(os.Stderr, "provider", name+":", err)
			return exitStartupFailed
		}
		providers.Add(adapter, providerCfg.Serves)
	}

	store, err := openTurnStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session store:", err)
		return exitStartupFailed
	}
	defer store.Close()

	rec := recorder.New(store, logger, metrics)
	recSub := eventBus.Subscribe(1024, nil)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(ctx, recSub)
	}()

	retention := recorder.NewRetention(store, cfg.Session.Retention, logger)
	if err := retention.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "retention:", err)
		return exitStartupFailed
	}
	defer retention.Stop()

	agentLoop := loop.New(providers, supervisor, registry, eventBus, logger, metrics, tracer)
	requestRouter := router.New(snapshot, registry, supervisor, eventBus, logger)

	server := gateway.NewServer(gateway.Deps{
		Snapshot:   snapshot,
		Router:     requestRouter,
		Loop:       agentLoop,
		Supervisor: supervisor,
		Registry:   registry,
		Store:      store,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err := server.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		return exitStartupFailed
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown incomplete", "error", err)
	}

	// Close the bus so the recorder drains and exits before the store
	// closes underneath it.
	eventBus.Close()
	<-recDone

	return exitOK
}

func openTurnStore(cfg *config.Config) (recorder.Store, error) {
	switch cfg.Session.Store {
	case "postgres":
		return recorder.NewPostgresStore(cfg.Session.DatabaseURL)
	default:
		return recorder.NewFileStore(cfg.Session.Dir)
	}
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.Tracing.Enabled {
		return ""
	}
	return cfg.Observability.Tracing.Endpoint
}
