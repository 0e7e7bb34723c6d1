// Package app wires the reviewer's components into an HTTP handler. Both
// the production server and the local development server build on it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/shipitai/recall/anthropic"
	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/feedback"
	"github.com/shipitai/recall/gate"
	"github.com/shipitai/recall/github"
	"github.com/shipitai/recall/handler"
	"github.com/shipitai/recall/knowledge"
	"github.com/shipitai/recall/knowledge/graph"
	"github.com/shipitai/recall/knowledge/vector"
	"github.com/shipitai/recall/llm"
	"github.com/shipitai/recall/review"
	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/tasks"
)

const (
	queueConcurrency = 4
	queueMaxPending  = 256
	// taskTimeout bounds one background review, including every chunk loop.
	taskTimeout   = 10 * time.Minute
	dedupCapacity = 10000
)

// Options are the dependencies the process supplies. LLM and GitHub
// override the clients built from Config; tests use them.
type Options struct {
	Config  *config.ServerConfig
	Storage storage.Storage
	LLM     llm.Client
	GitHub  *github.Client
	Logger  *slog.Logger
}

// App is a wired reviewer.
type App struct {
	Handler  http.Handler
	Queue    *tasks.Queue
	Gate     *gate.Gate
	Reviewer *review.Reviewer

	logger  *slog.Logger
	closers []func(context.Context) error
}

// New builds the App. Knowledge stores that are not configured, or cannot
// be reached, are left out; reviews then run without recall.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, logger := opts.Config, opts.Logger
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	a := &App{logger: logger}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, tp.Shutdown)
	}

	ghClient := opts.GitHub
	if ghClient == nil {
		ghClient = github.NewClient(cfg.AppID, cfg.PrivateKey)
	}
	llmClient := opts.LLM
	if llmClient == nil {
		llmClient = anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}

	concepts := knowledge.NewConceptExtractor(llmClient, "", logger)

	var (
		sinks     []knowledge.Sink
		searcher  knowledge.VectorSearcher
		graphs    knowledge.GraphSearcher
		citations review.CitationSource
	)
	if vs := a.openVector(ctx, cfg); vs != nil {
		sinks = append(sinks, vs)
		searcher = vs
	}
	if gs := a.openGraph(ctx, cfg); gs != nil {
		sinks = append(sinks, gs)
		graphs = gs
		citations = gs
	}
	knowledgeSinks := knowledge.NewSinks(logger, sinks...)
	recall := knowledge.NewRecall(searcher, graphs, concepts, logger)

	var (
		dead        tasks.DeadLetter
		deadLetters handler.DeadLetters
	)
	if cfg.DeadLetterDir != "" {
		bdl, err := tasks.OpenBadgerDeadLetter(cfg.DeadLetterDir, logger)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		dead, deadLetters = bdl, bdl
		a.closers = append(a.closers, func(context.Context) error { return bdl.Close() })
	}
	a.Queue = tasks.NewQueue(tasks.Options{
		Concurrency: queueConcurrency,
		MaxPending:  queueMaxPending,
		TaskTimeout: taskTimeout,
		DeadLetter:  dead,
	}, logger)

	a.Gate = gate.New(opts.Storage, logger)
	a.Reviewer = review.NewReviewer(review.Deps{
		GitHub:    ghClient,
		Config:    config.NewLoader(ghClient),
		LLM:       llmClient,
		Storage:   opts.Storage,
		Gate:      a.Gate,
		Queue:     a.Queue,
		Recall:    recall,
		Sinks:     knowledgeSinks,
		Concepts:  concepts,
		Citations: citations,
		Model:     cfg.AnthropicModel,
		Logger:    logger,
	})

	webhook := handler.NewWebhook(handler.WebhookConfig{
		Verifier:      github.NewWebhookHandler(cfg.WebhookSecret),
		Deduper:       github.NewDeduper(dedupCapacity),
		Reviewer:      a.Reviewer,
		PullRequests:  ghClient,
		Feedback:      feedback.NewRecorder(knowledgeSinks, opts.Storage, logger),
		Installations: opts.Storage,
		Queue:         a.Queue,
		BotName:       cfg.BotName,
		Logger:        logger,
	})
	admin := handler.NewAdmin(cfg.AdminToken, a.Gate, a.Gate.Flags(), a.Reviewer, logger)
	if deadLetters != nil {
		admin.WithDeadLetters(deadLetters)
	}

	mux := http.NewServeMux()
	mux.Handle("/webhooks/github", webhook)
	mux.Handle("/admin/", admin)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /{$}", handleRoot)
	a.Handler = mux

	logger.Info("initialized",
		"app_id", cfg.AppID,
		"bot_name", cfg.BotName,
		"vector_store", searcher != nil,
		"graph_store", graphs != nil,
		"durable_dead_letters", dead != nil,
		"admin_api", cfg.AdminToken != "",
	)
	return a, nil
}

func (a *App) openVector(ctx context.Context, cfg *config.ServerConfig) *vector.Store {
	if cfg.WeaviateURL == "" {
		return nil
	}
	if cfg.OpenAIAPIKey == "" {
		a.logger.Warn("WEAVIATE_URL is set but OPENAI_API_KEY is not, vector store disabled")
		return nil
	}
	vs, err := vector.New(cfg.WeaviateURL, vector.NewOpenAIEmbedder(cfg.OpenAIAPIKey), a.logger)
	if err != nil {
		a.logger.Warn("vector store disabled", "error", err)
		return nil
	}
	if err := vs.EnsureSchema(ctx); err != nil {
		a.logger.Warn("vector store disabled", "error", err)
		return nil
	}
	return vs
}

func (a *App) openGraph(ctx context.Context, cfg *config.ServerConfig) *graph.Store {
	if cfg.Neo4jURI == "" {
		return nil
	}
	gs, err := graph.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, a.logger)
	if err != nil {
		a.logger.Warn("graph store disabled", "error", err)
		return nil
	}
	a.closers = append(a.closers, gs.Close)
	if err := gs.EnsureSchema(ctx); err != nil {
		a.logger.Warn("graph schema setup failed", "error", err)
	}
	return gs
}

// Close drains the background queue, then releases stores and exporters.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
	}
	for _, c := range slices.Backward(a.closers) {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"name": "recall", "status": "running"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
