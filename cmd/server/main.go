package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/api"
	"github.com/irt-reconciliation-engine/internal/batch"
	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/database"
	"github.com/irt-reconciliation-engine/internal/domain"
	"github.com/irt-reconciliation-engine/internal/ledger"
	"github.com/irt-reconciliation-engine/internal/repository"
	"github.com/irt-reconciliation-engine/internal/service"
	"github.com/irt-reconciliation-engine/internal/session"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)
	log.Printf("Starting IRT Reconciliation Engine on %s:%d", cfg.Server.Host, cfg.Server.Port)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Database and schema
	db, err := database.NewConnection(ctx, database.ConfigFrom(cfg.Database), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrations, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		log.Fatalf("Failed to prepare migrations: %v", err)
	}
	if err := migrations.Up(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := migrations.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close migration runner")
	}

	// Candidate pool: Postgres behind an in-memory tier and an optional Redis tier
	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = service.NewRedisClient(cfg.Cache)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}
	referrals := repository.NewReferralRepository(db.Pool, logger)
	candidates := service.NewCachedCandidateSource(referrals, redisClient, service.CandidateCacheConfig{
		MemoryTTL: cfg.Cache.DefaultTTL,
		RedisTTL:  cfg.Cache.DefaultTTL,
		MaxItems:  cfg.Cache.MaxItems,
	}, logger)

	archive, err := openArchive(cfg, configManager.GetDatabaseURL())
	if err != nil {
		log.Fatalf("Failed to open session archive: %v", err)
	}
	if archive != nil {
		defer archive.Close()
	}

	healthChecks := map[string]api.HealthCheck{"database": db.Health}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if archive != nil {
		healthChecks["archive"] = func(ctx context.Context) error {
			_, err := archive.Count(ctx)
			return err
		}
	}

	engine := service.NewMatchEngine(logger, service.WithICFTolerance(cfg.Matching.ICFToleranceDays))
	services := api.Services{
		Sessions: session.NewManager(engine, candidates, logger, session.WithCandidateLimit(cfg.Matching.MaxCandidates)),
		Batch: batch.NewReconciler(engine, candidates, logger,
			batch.WithConcurrency(cfg.Batch.Concurrency),
			batch.WithAutoAcceptThreshold(cfg.Matching.AutoAcceptThreshold),
			batch.WithMaxCandidates(cfg.Matching.MaxCandidates),
		),
		Archive:      archive,
		Cache:        candidates,
		HealthChecks: healthChecks,
	}

	// Create server
	server := api.NewServer(configManager, services, logger)

	// Start server
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openArchive returns nil when archiving is disabled.
func openArchive(cfg *domain.Config, databaseURL string) (ledger.Store, error) {
	switch cfg.Archive.Driver {
	case "postgres":
		return ledger.NewPostgresStoreFromURL(databaseURL)
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.Archive.SQLitePath)
	default:
		return nil, nil
	}
}
