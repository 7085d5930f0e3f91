package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/triarb/internal/server/handler"
	"github.com/alanyoungcy/triarb/internal/server/middleware"
	"github.com/alanyoungcy/triarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // if empty, authentication is disabled
}

// Handlers aggregates the HTTP handlers the server registers. Health and
// Status are required; the rest are optional and their routes are only
// registered when set.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Ledger     *handler.LedgerHandler
	Books      *handler.BookHandler
	Executions *handler.ExecutionHandler
	Archives   *handler.ArchiveHandler
}

// Server is the read-only HTTP + WebSocket API of the arbitrage engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	if handlers.Ledger != nil {
		api.HandleFunc("GET /api/ledger", handlers.Ledger.GetLedger)
	}
	if handlers.Books != nil {
		api.HandleFunc("GET /api/books", handlers.Books.ListBooks)
		api.HandleFunc("GET /api/books/{pair}", handlers.Books.GetBook)
	}
	if handlers.Executions != nil {
		api.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
		api.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetExecution)
	}
	if handlers.Archives != nil {
		api.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
	}
	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("/", middleware.Auth(cfg.APIKey)(api))

	return middleware.Logging(logger, "/api/health")(mux)
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
