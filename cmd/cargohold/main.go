// Package main provides the Cargohold ingress service.
//
// The service accepts migration submissions from browser clients, stages
// every collection payload verbatim, and leaves normalization and import to
// the batch tooling (cargoctl).
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cargohold-io/cargohold/internal/api"
	"github.com/cargohold-io/cargohold/internal/api/middleware"
	"github.com/cargohold-io/cargohold/internal/events"
	"github.com/cargohold-io/cargohold/internal/storage"
)

// Version information.
const (
	version = "1.0.0"
	name    = "cargohold"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Cargohold service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()

	// Graceful shutdown of the limiter's cleanup goroutine is handled by
	// server.shutdown().
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("admin_rps", middlewareConfig.AdminRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("max_clients", middlewareConfig.MaxClients),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := storage.NewStagingStore(dbConn)
	if err != nil {
		logger.Error("Failed to create staging store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Staging store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	publisher := events.NewPublisher(events.LoadBrokers(), "")
	if publisher.Enabled() {
		logger.Info("Migration event publishing enabled")
	} else {
		logger.Info("Migration event publishing disabled",
			slog.String("note", "Set CARGOHOLD_KAFKA_BROKERS to enable"),
		)
	}

	server := api.NewServer(serverConfig, store, publisher, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Cargohold service stopped")
}
