// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the AleutianMed conversational service.
//
// The package wires every component together: the Postgres vector store,
// the embedding and reranker sidecars, the LLM client, the retrieval
// pipeline, the agent pool, the in-memory session store with its TTL
// sweeper, and the Gin router with tracing and metrics.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210, BearerToken: token}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Tests inject fakes through the With* options so New never touches the
// network:
//
//	svc, err := orchestrator.New(cfg,
//	    orchestrator.WithStore(fakeStore),
//	    orchestrator.WithLLM(fakeLLM),
//	    orchestrator.WithEmbedding(fakeProvider),
//	    orchestrator.WithReranker(fakeReranker))
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/engine"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/session"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianMed/services/reranker"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "aleutianmed-orchestrator"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Description
//
// Service abstracts the assembled server, enabling testing and alternative
// implementations. Only the essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or dies.
	Run() error

	// Router returns the configured Gin engine for integration tests.
	// Callers must not modify the router.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration.
//
// # Description
//
// Config centralizes every tunable of the service. Values are populated
// from environment variables by cmd/orchestrator, or programmatically in
// tests. Zero values fall back to defaults applied by New, except
// BearerToken which is required.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// GinMode sets the Gin framework mode: debug, release, test.
	// Default: release
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector gRPC endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// BearerToken authenticates every chat and v1 request. Required;
	// must be at least 64 hex characters.
	BearerToken string

	// SessionTTL is how long an idle session survives. Default: 1h
	SessionTTL time.Duration

	// SweepInterval is how often expired sessions are reclaimed.
	// Default: 5m
	SweepInterval time.Duration

	// RerankerURL is the cross-encoder sidecar endpoint. Required for
	// the rerank and advanced retrieval strategies unless a reranker
	// is injected.
	RerankerURL string

	// Postgres configures the pgvector-backed chunk store.
	Postgres vectorstore.Config

	// Embedding configures the embedding provider.
	Embedding embedding.Config

	// LLM configures the chat-completion client.
	LLM llm.OpenAIConfig

	// Retrieval selects and tunes the retrieval strategy.
	Retrieval retrieval.Config
}

// =============================================================================
// Options
// =============================================================================

// Option overrides one constructed dependency, mainly for tests.
type Option func(*service)

// WithStore injects a vector store, skipping the Postgres connection.
func WithStore(store vectorstore.Store) Option {
	return func(s *service) { s.store = store }
}

// WithLLM injects an LLM client.
func WithLLM(client llm.LLMClient) Option {
	return func(s *service) { s.llmClient = client }
}

// WithEmbedding injects an embedding provider.
func WithEmbedding(provider embedding.Provider) Option {
	return func(s *service) { s.provider = provider }
}

// WithReranker injects a reranker.
func WithReranker(rr reranker.Reranker) Option {
	return func(s *service) { s.reranker = rr }
}

// WithTracing disables the OTLP exporter when false. Tests use this so
// New never opens a gRPC client.
func WithTracing(enabled bool) Option {
	return func(s *service) { s.tracing = enabled }
}

// =============================================================================
// Struct Definition
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only once New
// returns.
type service struct {
	config  Config
	tracing bool

	store     vectorstore.Store
	provider  embedding.Provider
	reranker  reranker.Reranker
	llmClient llm.LLMClient

	sessions  *session.MemoryStore
	scheduler *ttl.Scheduler
	router    *gin.Engine

	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New assembles a ready-to-run orchestrator.
//
// # Description
//
// New initializes every component in dependency order:
//  1. Applies default configuration and validates the bearer token
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Connects the Postgres vector store (unless injected)
//  5. Builds the embedding provider, reranker, and LLM client
//  6. Builds the retrieval pipeline and the agent pool
//  7. Creates the session store and starts the TTL sweeper
//  8. Sets up the Gin router with all routes
//
// On any failure, resources acquired so far are released before the
// error is returned.
//
// # Inputs
//
//   - cfg: service configuration. Zero values use defaults.
//   - opts: dependency overrides, mainly for tests.
//
// # Outputs
//
//   - Service: ready-to-run orchestrator.
//   - error: missing bearer token or an unreachable dependency.
func New(cfg Config, opts ...Option) (Service, error) {
	s := &service{
		config:  applyConfigDefaults(cfg),
		tracing: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := middleware.ValidateTokenFormat(s.config.BearerToken); err != nil {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}

	if s.tracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	metrics := observability.Metrics()

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, err
	}
	if err := s.initModelClients(); err != nil {
		s.cleanup()
		return nil, err
	}

	retriever, err := retrieval.New(s.config.Retrieval, s.provider, s.store,
		s.reranker, conversation.NewLLMQueryExpander(s.llmClient))
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build retriever: %w", err)
	}

	s.sessions = session.NewMemoryStore(s.config.SessionTTL)
	s.scheduler = ttl.NewScheduler(
		&meteredSweeper{store: s.sessions, metrics: metrics},
		s.config.SweepInterval, slog.Default())
	s.scheduler.Start()

	eng := engine.New(s.sessions,
		agents.NewSupervisor(s.llmClient),
		agents.NewEmotionalAgent(s.llmClient),
		agents.NewRAGAgent(s.llmClient, retriever))

	s.initRouter(eng)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until it stops. Cleanup is
// automatic on return.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting orchestrator server",
		"port", s.config.Port,
		"retrieval_strategy", s.config.Retrieval.Strategy,
		"session_ttl", s.config.SessionTTL.String())

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter sending spans to the configured
// collector.
//
// # Outputs
//
//   - func(context.Context): cleanup function to call on shutdown.
//   - error: Non-nil if tracer setup fails.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal
//     networks).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore connects the Postgres vector store unless one was injected.
func (s *service) initStore() error {
	if s.store != nil {
		return nil
	}

	store, err := vectorstore.NewPostgresStore(context.Background(), s.config.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect vector store: %w", err)
	}
	s.store = store

	slog.Info("vector store connected",
		"host", s.config.Postgres.Host,
		"sparse_supported", store.SparseSupported())
	return nil
}

// initModelClients builds the embedding provider, reranker, and LLM
// client, skipping any that were injected.
//
// # Limitations
//
//   - The reranker is only built when the retrieval strategy needs one.
func (s *service) initModelClients() error {
	var err error

	if s.provider == nil {
		s.provider, err = embedding.NewProvider(s.config.Embedding)
		if err != nil {
			return fmt.Errorf("failed to build embedding provider: %w", err)
		}
	}

	if s.reranker == nil && s.config.Retrieval.Strategy != retrieval.StrategySimple {
		s.reranker, err = reranker.NewHTTPReranker(s.config.RerankerURL)
		if err != nil {
			return fmt.Errorf("failed to build reranker: %w", err)
		}
	}

	if s.llmClient == nil {
		s.llmClient, err = llm.NewOpenAIClient(s.config.LLM)
		if err != nil {
			return fmt.Errorf("failed to build LLM client: %w", err)
		}
	}

	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(eng *engine.Engine) {
	gin.SetMode(s.config.GinMode)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, routes.Handlers{
		Chat:      handlers.NewChatHandler(eng),
		Documents: handlers.NewDocumentHandler(s.provider, s.store),
		Sessions:  handlers.NewSessionHandler(s.sessions),
	}, s.config.BearerToken)
}

// cleanup releases every resource held by the service. Safe to call on
// a partially constructed instance.
func (s *service) cleanup() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// meteredSweeper reports sweep results to Prometheus on top of the
// session store's own sweep.
type meteredSweeper struct {
	store   *session.MemoryStore
	metrics *observability.ChatMetrics
}

func (m *meteredSweeper) SweepExpired() int {
	count := m.store.SweepExpired()
	if count > 0 {
		m.metrics.SessionsSweptTotal.Add(float64(count))
	}
	m.metrics.SessionsLive.Set(float64(m.store.Len()))
	return count
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Service     = (*service)(nil)
	_ ttl.Sweeper = (*meteredSweeper)(nil)
)
