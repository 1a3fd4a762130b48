// Package server owns the HTTP boundary and the component lifecycle.
//
// New wires every component in dependency order into the registry;
// Run initializes them, serves the router, and tears everything down in
// reverse order on shutdown. Handlers translate requests into component
// calls and shape errors into the wire envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/adr"
	"github.com/fyrsmithlabs/knowledged/internal/cache"
	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/debug"
	"github.com/fyrsmithlabs/knowledged/internal/docs"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/health"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/sse"
	"github.com/fyrsmithlabs/knowledged/internal/task"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// Server is the lifecycle owner of every knowledged component.
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	echo     *echo.Echo
	validate *validator.Validate
	registry *registry.Registry
	promReg  *prometheus.Registry

	embedder *embeddings.Service
	vectors  *vectorstore.QdrantStore
	cache    *cache.Cache
	kb       *kb.KnowledgeBase
	adrs     *adr.Manager
	docs     *docs.Manager
	debugger *debug.Analyzer
	tasks    *task.Manager
	health   *health.Monitor
	sse      *sse.Transport

	accepting atomic.Bool
	inflight  sync.WaitGroup
}

// New builds the full component graph from configuration. Nothing
// touches the network until Run.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		config:   cfg,
		logger:   logger,
		validate: validator.New(),
		registry: registry.New(logger),
		promReg:  promReg,
	}

	var err error
	s.embedder, err = embeddings.NewService(embeddings.Config{
		Endpoint: cfg.EmbeddingEndpoint,
		Model:    cfg.EmbeddingModel,
		Dim:      cfg.EmbeddingDim,
	}, logger.Named("embeddings"), embeddings.NewMetrics(promReg))
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	s.vectors, err = vectorstore.NewQdrantStore(vectorstore.Config{
		Endpoint:   cfg.VectorEndpoint,
		APIKey:     cfg.VectorAPIKey,
		Collection: cfg.CollectionName,
		Dim:        cfg.EmbeddingDim,
	}, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("build vector store: %w", err)
	}

	s.cache = cache.New(cache.Config{
		Dir:       cfg.CacheDir,
		MemBytes:  cfg.CacheMemBytes,
		DiskBytes: cfg.CacheDiskBytes,
		TTL:       cfg.CacheTTL(),
	}, logger.Named("cache"))

	s.kb, err = kb.New(kb.Config{
		Dir:   cfg.KBDir,
		Model: cfg.EmbeddingModel,
	}, s.embedder, s.vectors, s.cache, logger.Named("kb"))
	if err != nil {
		return nil, fmt.Errorf("build knowledge base: %w", err)
	}

	s.adrs, err = adr.NewManager(cfg.ADRDir, s.kb, logger.Named("adr"))
	if err != nil {
		return nil, fmt.Errorf("build adr manager: %w", err)
	}

	s.docs, err = docs.NewManager(docs.Config{
		Dir:     cfg.DocsDir,
		RPS:     cfg.CrawlRPS,
		Retries: cfg.CrawlRetries,
	}, s.kb, logger.Named("docs"))
	if err != nil {
		return nil, fmt.Errorf("build doc manager: %w", err)
	}

	s.debugger, err = debug.NewAnalyzer(s.kb, logger.Named("debug"))
	if err != nil {
		return nil, fmt.Errorf("build debug analyzer: %w", err)
	}

	s.tasks, err = task.NewManager(task.Config{
		Dir:        filepath.Join(cfg.KBDir, "tasks"),
		Workers:    cfg.TaskWorkers,
		QueueDepth: cfg.TaskQueueDepth,
		Retries: map[task.Type]int{
			task.TypeCrawlDocs: cfg.CrawlRetries,
		},
	}, logger.Named("tasks"), task.NewMetrics(promReg))
	if err != nil {
		return nil, fmt.Errorf("build task manager: %w", err)
	}
	s.registerTaskHandlers()

	s.health, err = health.NewMonitor(s.registry, cfg.PollInterval, logger.Named("health"), health.NewMetrics(promReg))
	if err != nil {
		return nil, fmt.Errorf("build health monitor: %w", err)
	}
	s.health.WithCacheStats(s.cache.Stats)
	s.health.WithTaskStats(s.tasks.Stats)

	s.sse = sse.NewTransport(sse.Deps{
		KB:    s.kb,
		ADRs:  s.adrs,
		Tasks: s.tasks,
	}, logger.Named("sse"))
	s.sse.Gate(s.registry.Started)

	// Registration order is initialization order; critical components
	// abort startup when they fail, non-critical ones degrade it.
	for _, reg := range []struct {
		c        registry.Component
		critical bool
	}{
		{s.embedder, true},
		{s.vectors, false},
		{s.cache, false},
		{s.kb, true},
		{s.adrs, false},
		{s.docs, false},
		{s.debugger, false},
		{s.tasks, true},
		{s.health, false},
		{s.sse, false},
	} {
		if err := s.registry.Register(reg.c, reg.critical); err != nil {
			return nil, err
		}
	}

	s.buildRouter()
	return s, nil
}

// buildRouter assembles the echo instance with middleware and routes.
func (s *Server) buildRouter() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.config.AllowedOrigins,
	}))
	e.Use(s.requestLogger)
	e.Use(s.readinessGate)
	if s.config.AuthEnabled {
		e.Use(s.bearerAuth)
	}

	e.POST("/tools/analyze-code", s.handleAnalyzeCode)
	e.POST("/tools/create-adr", s.handleCreateADR)
	e.POST("/tools/debug-issue", s.handleDebugIssue)
	e.POST("/tools/crawl-docs", s.handleCrawlDocs)
	e.POST("/tools/search-knowledge", s.handleSearchKnowledge)
	e.GET("/tools/get-task/:id", s.handleGetTask)

	e.GET("/adrs", s.handleListADRs)
	e.GET("/adrs/:id", s.handleGetADR)
	e.PATCH("/adrs/:id", s.handlePatchADR)
	e.POST("/adrs/:id/supersede", s.handleSupersedeADR)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	e.GET("/mcp/sse", s.sse.HandleStream)
	e.POST("/mcp/messages/:session", s.sse.HandleMessage)

	s.echo = e
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

// readinessGate rejects new requests during shutdown and tracks
// in-flight ones so teardown can drain them.
func (s *Server) readinessGate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.accepting.Load() {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
		}
		s.inflight.Add(1)
		defer s.inflight.Done()
		return next(c)
	}
}

// bearerAuth checks the shared token on every route except liveness.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/health" {
			return next(c)
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if auth != "Bearer "+s.config.AuthToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Registry exposes the component registry for tests.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Initialize brings up every component in dependency order.
func (s *Server) Initialize(ctx context.Context) error {
	if err := s.registry.Initialize(ctx, s.config.StrictDeps); err != nil {
		return err
	}
	s.accepting.Store(true)
	return nil
}

// Run initializes components, serves HTTP and blocks until ctx is
// canceled or the listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.config.Addr()))
		errCh <- s.echo.Start(s.config.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.shutdown(context.Background())
}

// shutdown stops accepting requests, drains in-flight ones up to the
// configured deadline, then cleans components up in reverse init order.
func (s *Server) shutdown(ctx context.Context) error {
	s.accepting.Store(false)

	deadline, cancel := context.WithTimeout(ctx, s.config.ShutdownDeadline)
	defer cancel()

	// SSE sessions hold their requests open; say bye and cancel them so
	// the listener can drain. Cleanup is idempotent when the registry
	// runs it again below.
	if err := s.sse.Cleanup(deadline); err != nil {
		s.logger.Warn("sse cleanup failed", zap.Error(err))
	}

	if err := s.echo.Shutdown(deadline); err != nil {
		s.logger.Warn("http shutdown failed", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-deadline.Done():
		s.logger.Warn("shutdown deadline reached with requests in flight")
	}

	return s.registry.Cleanup(deadline)
}
