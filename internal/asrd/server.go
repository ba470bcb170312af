package asrd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/http/middleware"
)

// Read generously: a WAV upload for hours of audio takes a while to arrive.
const (
	serverReadTimeout     = 15 * time.Minute
	serverWriteTimeout    = time.Minute
	serverShutdownTimeout = 10 * time.Second
)

// Server is the daemon's HTTP server.
type Server struct {
	listen     string
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the protocol handler and middleware chain onto a router.
func NewServer(cfg config.AsrdConfig, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))

	handler.Routes(router)

	return &Server{
		listen: cfg.Listen,
		router: router,
		logger: logger,
	}
}

// Router returns the chi router, used by tests to drive requests directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      s.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	s.logger.Info("starting asrd HTTP server",
		slog.String("address", s.listen),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("asrd HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and shuts it down when the context is
// cancelled. It blocks until the server has stopped.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
