package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cargohold-io/cargohold/internal/api/middleware"
	"github.com/cargohold-io/cargohold/internal/events"
)

// Server is the HTTP ingress for staging migration payloads.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       StagingWriter
	publisher   *events.Publisher
	rateLimiter middleware.RateLimiter
}

// NewServer creates the HTTP server with its middleware stack.
//
// Dependencies are injected explicitly rather than carried in ServerConfig,
// keeping configuration (what) separate from dependencies (how).
//
//   - store: staging surface of the destination store (nil means the store
//     is unconfigured; the migrate endpoint answers 500 until it exists)
//   - publisher: migration-event publisher (never nil, may be disabled)
//   - rateLimiter: rate limiter implementation (nil disables rate limiting)
func NewServer(
	cfg *ServerConfig,
	store StagingWriter,
	publisher *events.Publisher,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if publisher == nil {
		publisher = events.NewPublisher(nil, "")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		publisher:   publisher,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if store == nil {
		logger.Warn("destination store not configured, staging requests will fail")
	}

	if rateLimiter == nil {
		logger.Warn("rate limiter not configured, rate limiting disabled")
	}

	// Middleware executes top-to-bottom. CORS sits before auth so browser
	// preflights get their 204 without a bearer token.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
		middleware.WithAdminAuth(cfg.AdminToken(), logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting cargohold ingress",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server and its dependencies.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("failed to close event publisher", slog.String("error", err.Error()))
	}

	if closer, ok := s.store.(io.Closer); ok && closer != nil {
		if err := closer.Close(); err != nil {
			s.logger.Error("failed to close staging store", slog.String("error", err.Error()))
		}
	}

	if closer, ok := s.rateLimiter.(io.Closer); ok && closer != nil {
		if err := closer.Close(); err != nil {
			s.logger.Error("failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("server shutdown completed")

	return nil
}
