package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bulk-jobs-api/internal/api"
	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/queue"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/bulk-jobs-api/internal/storage"
	"github.com/bulk-jobs-api/pkg/logger"
)

func main() {
	// Initialize logger
	log := logger.New()
	log.Info().Msg("Starting bulk jobs API server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "./migrations"
	}
	if err := db.RunMigrations(migrationsPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Redis-backed lock manager
	redisClient, err := database.NewRedis(&cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	locks := lock.NewManager(redisClient, log)

	// Queue transport
	mq, err := queue.New(&cfg.Queue, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()
	if err := mq.SetupTopology(); err != nil {
		log.Fatal().Err(err).Msg("Failed to declare queue topology")
	}

	// Object storage
	store, err := storage.NewMinioStore(&cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to object storage")
	}

	// Initialize repositories and services
	repos := repository.New(db, log)
	services := service.NewServices(service.Deps{
		Tx:      service.NewTxRunner(db),
		Repos:   repos,
		Locks:   locks,
		Queue:   mq,
		Storage: store,
		Config:  cfg,
		Log:     log,
	})

	// Initialize router
	router := api.NewRouter(services, cfg, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.ReadTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}
