// Inkwell reference embedder — wires the orchestration engine behind an
// HTTP API with stub agents for the document-processing pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inkwell-ai/inkwell/pkg/agent"
	"github.com/inkwell-ai/inkwell/pkg/api"
	"github.com/inkwell-ai/inkwell/pkg/breaker"
	"github.com/inkwell-ai/inkwell/pkg/config"
	"github.com/inkwell-ai/inkwell/pkg/graph"
	"github.com/inkwell-ai/inkwell/pkg/janitor"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/pipeline"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/runner"
	"github.com/inkwell-ai/inkwell/pkg/store"
	"github.com/inkwell-ai/inkwell/pkg/store/postgres"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting inkwell", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	tasks, memory, checkpoints, closeStores := buildStores(ctx)
	defer closeStores()

	registry := agent.NewRegistry()
	registerStubAgents(registry)

	limiter := ratelimit.New(cfg.RateCaps())
	circuits := breaker.New(cfg.DefaultBreakerConfig(), cfg.BreakerConfigs())
	bus := progress.NewBus(0)

	agentRunner, err := runner.New(runner.Options{
		Registry:      registry,
		Limiter:       limiter,
		Breaker:       circuits,
		Tasks:         tasks,
		Memory:        memory,
		Bus:           bus,
		DefaultPolicy: cfg.DefaultRetryPolicy(),
		Policies:      cfg.RetryPolicies(),
		Timeouts:      cfg.Timeouts(),
		ResultTTL:     cfg.Cache.ResultTTL.Std(),
	})
	if err != nil {
		slog.Error("Failed to build runner", "error", err)
		os.Exit(1)
	}

	orchestrator, err := pipeline.New(pipeline.Options{
		Runner:      agentRunner,
		Bus:         bus,
		Checkpoints: checkpoints,
	})
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	sweeper := janitor.New(cfg.Janitor, tasks, memory)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(orchestrator, bus, checkpoints, limiter, documentPipeline())
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}

// buildStores selects the persistence backend: PostgreSQL when DB_HOST is
// set, in-memory otherwise.
func buildStores(ctx context.Context) (store.TaskStore, store.MemoryStore, store.CheckpointStore, func()) {
	if os.Getenv("DB_HOST") == "" {
		slog.Info("No DB_HOST set, using in-memory stores")
		return store.NewInMemoryTaskStore(),
			store.NewInMemoryMemoryStore(),
			store.NewInMemoryCheckpointStore(),
			func() {}
	}

	dbCfg, err := postgres.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	client, err := postgres.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return client.Tasks(), client.Memory(), client.Checkpoints(), client.Close
}

// documentPipeline is the reference stage graph: process the paper, fan out
// enrichment agents in parallel, then run the quality gate.
func documentPipeline() []graph.Stage {
	return []graph.Stage{
		{ID: "process", AgentKind: model.AgentPaperProcessor},
		{
			ID:            "summarise",
			AgentKind:     model.AgentContentSummariser,
			Dependencies:  []string{"process"},
			ParallelGroup: "enrich",
		},
		{
			ID:            "citations",
			AgentKind:     model.AgentCitationFormatter,
			Dependencies:  []string{"process"},
			ParallelGroup: "enrich",
			OnFailure:     graph.FailContinueWithNull,
		},
		{
			ID:            "metadata",
			AgentKind:     model.AgentMetadataEnhancer,
			Dependencies:  []string{"process"},
			ParallelGroup: "enrich",
			OnFailure:     graph.FailContinueWithNull,
		},
		{
			ID:           "quality",
			AgentKind:    model.AgentQualityChecker,
			Dependencies: []string{"summarise", "citations", "metadata"},
		},
	}
}

// registerStubAgents installs echo agents so the reference embedder runs
// end to end without provider credentials. Real embedders replace these
// with provider-backed capabilities.
func registerStubAgents(registry *agent.Registry) {
	stub := func(kind model.AgentKind, provider model.Provider) {
		capability := &agent.Capability{
			Kind:     kind,
			Provider: provider,
			Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
				select {
				case <-time.After(50 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				out := append([]byte(`{"agent":"`+string(kind)+`","output":`), input...)
				return append(out, '}'), nil
			},
		}
		if err := registry.Register(capability); err != nil {
			slog.Error("Failed to register agent", "agent_kind", kind, "error", err)
			os.Exit(1)
		}
	}

	stub(model.AgentPaperProcessor, model.ProviderOpenAI)
	stub(model.AgentContentSummariser, model.ProviderAnthropic)
	stub(model.AgentQualityChecker, model.ProviderAnthropic)
	stub(model.AgentCitationFormatter, model.ProviderOpenAI)
	stub(model.AgentMetadataEnhancer, model.ProviderOpenAI)
	stub(model.AgentResearch, model.ProviderPerplexity)
}
