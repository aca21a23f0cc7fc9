// Command smart-agent runs the retrieval orchestration backend: the HTTP
// API, the turn graph, and the checkpointed state store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/emit"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	anthropicmodel "github.com/xiaomayi-ant/smart-agent/graph/model/anthropic"
	openaimodel "github.com/xiaomayi-ant/smart-agent/graph/model/openai"
	"github.com/xiaomayi-ant/smart-agent/graph/store"
	"github.com/xiaomayi-ant/smart-agent/pkg/agent"
	"github.com/xiaomayi-ant/smart-agent/pkg/api"
	"github.com/xiaomayi-ant/smart-agent/pkg/config"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/threads"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

// chatModel is the combined provider surface the agent needs.
type chatModel interface {
	model.StreamingChatModel
	model.StructuredChatModel
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	chat, err := buildChatModel(cfg)
	if err != nil {
		return err
	}

	saver, err := buildSaver(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = saver.Close() }()

	threadStore, closeThreads, err := buildThreadStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeThreads()

	events := stream.NewRegistry()
	registry := tools.NewRegistry()
	deps := agent.Deps{
		Chat:           chat,
		Planner:        chat,
		PlannerMethod:  cfg.StructuredPlannerMethod,
		Tools:          registry,
		Events:         events,
		Trace:          cfg.TraceEvents,
		MinScore:       cfg.VectorMinScore,
		WorkerDeadline: cfg.WorkerDeadline,
		Logger:         logger,
	}

	if cfg.MySQLDSN != "" {
		executor, err := tools.NewSQLExecutor(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		defer func() { _ = executor.Close() }()
		deps.SQL = executor
		if err := registry.Register(tools.NewSQLTool(executor, "")); err != nil {
			return err
		}
	}

	if cfg.OpenAIAPIKey != "" {
		var opts []tools.VectorOption
		if cfg.VectorDBPath != "" {
			opts = append(opts, tools.WithPersistPath(cfg.VectorDBPath))
		}
		searcher, err := tools.NewVectorSearcher("documents", cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel, opts...)
		if err != nil {
			return err
		}
		deps.Vector = searcher
		if err := registry.Register(tools.NewVectorTool(searcher)); err != nil {
			return err
		}
	}

	if cfg.KGBaseURL != "" {
		kg := tools.NewKGClient(cfg.KGBaseURL)
		deps.KG = kg
		for _, tool := range tools.KGTools(kg) {
			if err := registry.Register(tool); err != nil {
				return err
			}
		}
	}

	metrics := graph.NewMetrics(prometheus.DefaultRegisterer)
	engine, err := agent.New(deps).BuildGraph(saver, emit.NewLogEmitter(logger), graph.Options{
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, threadStore, engine, events, registry, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "provider", cfg.LLMProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func buildChatModel(cfg *config.Settings) (chatModel, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return openaimodel.New(cfg.OpenAIAPIKey, cfg.OpenAIModel,
			openaimodel.WithStructuredMethod(model.StructuredJSONSchema))
	case config.ProviderAnthropic:
		return anthropicmodel.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	default:
		return openaimodel.New(cfg.DeepSeekAPIKey, cfg.DeepSeekModel,
			openaimodel.WithBaseURL(cfg.DeepSeekBaseURL),
			openaimodel.WithStructuredMethod(model.StructuredJSONMode))
	}
}

// buildSaver picks the durable Postgres checkpointer when PG_DSN is set
// and falls back to the local SQLite saver for development.
func buildSaver(cfg *config.Settings, logger *slog.Logger) (graph.Saver[agent.TurnState], error) {
	if cfg.PGDSN != "" {
		return store.NewPostgresSaver[agent.TurnState](cfg.PGDSN, store.PostgresOptions{
			MaxConnAge: cfg.ConnectionMaxAge,
			Logger:     logger,
		}), nil
	}
	logger.Warn("PG_DSN not set, using local sqlite checkpoints (development only)", "path", cfg.SQLitePath)
	return store.NewSQLiteSaver[agent.TurnState](cfg.SQLitePath)
}

func buildThreadStore(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (api.ThreadStore, func(), error) {
	if cfg.PGDSN != "" {
		s, err := threads.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	logger.Warn("PG_DSN not set, thread history is in-memory (development only)")
	return threads.NewMemoryStore(), func() {}, nil
}
