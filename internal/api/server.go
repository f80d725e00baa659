package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/vidscope/internal/engine"
	"github.com/seantiz/vidscope/internal/pipeline"
	"github.com/seantiz/vidscope/internal/store"
	"github.com/seantiz/vidscope/internal/submission"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	streamRoute = "/api/progress/{id}/stream"
)

// Submitter accepts analysis requests.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (string, error)
}

// Config carries the transport settings of a Server.
type Config struct {
	Addr           string
	MaxUploadBytes int64
	Analyzer       string
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	submitter Submitter
	broker    *engine.ProgressBroker
	registry  *pipeline.Registry
	logger    *slog.Logger
	cfg       Config
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, s store.Store, sub Submitter, broker *engine.ProgressBroker, reg *pipeline.Registry, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		submitter: sub,
		broker:    broker,
		registry:  reg,
		logger:    logger,
		cfg:       cfg,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)

		r.Get("/progress/{id}", s.handleGetProgress)
		r.Get("/progress/{id}/stream", s.handleStreamProgress)

		r.Get("/results/{id}", s.handleGetResults)
		r.Delete("/results/{id}", s.handleDeleteResults)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/stats", s.handleGetStats)
		r.Get("/analyzers", s.handleListAnalyzers)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err().Error())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
