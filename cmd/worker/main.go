package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/database"
	"github.com/bulk-jobs-api/internal/lock"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/queue"
	"github.com/bulk-jobs-api/internal/recovery"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/bulk-jobs-api/internal/storage"
	"github.com/bulk-jobs-api/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New().With().Str("process", "worker").Logger()
	log.Info().Msg("Starting bulk jobs worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	redisClient, err := database.NewRedis(&cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	locks := lock.NewManager(redisClient, log)

	mq, err := queue.New(&cfg.Queue, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer mq.Close()
	if err := mq.SetupTopology(); err != nil {
		log.Fatal().Err(err).Msg("Failed to declare queue topology")
	}

	store, err := storage.NewMinioStore(&cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to object storage")
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Stale-job sweeper runs out-of-band, coalesced across nodes by a lease.
	sweeper := recovery.NewSweeper(repos.Jobs, locks, mq, &cfg.Worker, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// One consumer per job kind, each fanned out over N worker slots.
	for _, kind := range []models.JobKind{models.JobKindImport, models.JobKindExport} {
		wg.Add(1)
		go startWorker(ctx, &wg, mq, services, cfg, kind, log)
	}

	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("All workers started, waiting for jobs")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()
	log.Info().Msg("All workers stopped gracefully")
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, mq *queue.Client, services *service.Services, cfg *config.Config, kind models.JobKind, log zerolog.Logger) {
	defer wg.Done()

	deliveries, err := mq.Consume(kind)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to start consuming jobs")
		return
	}

	log.Info().Str("kind", string(kind)).Int("slots", cfg.Worker.Concurrency).Msg("Worker started")

	var innerWg sync.WaitGroup
	innerWg.Add(cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		go func() {
			defer innerWg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					handleDelivery(ctx, mq, services, kind, msg, log)
				}
			}
		}()
	}

	innerWg.Wait()
	log.Info().Str("kind", string(kind)).Msg("Worker shutting down")
}

func handleDelivery(ctx context.Context, mq *queue.Client, services *service.Services, kind models.JobKind, msg amqp.Delivery, log zerolog.Logger) {
	data, err := queue.DecodeJobData(msg)
	if err != nil {
		log.Error().Err(err).Msg("Undecodable job payload, dead-lettering")
		msg.Nack(false, false)
		return
	}

	l := log.With().Str("job_id", data.JobID).Str("kind", string(kind)).Logger()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Job processing panicked - recovered")
			if err := mq.RetryOrDead(ctx, msg, kind); err != nil {
				l.Error().Err(err).Msg("Failed to settle panicked delivery")
			}
		}
	}()

	var processErr error
	switch kind {
	case models.JobKindImport:
		processErr = services.Import.Process(ctx, data)
	case models.JobKindExport:
		processErr = services.Export.Process(ctx, data)
	}

	if processErr != nil {
		l.Error().Err(processErr).Int("attempt", queue.Attempt(msg)).Msg("Job processing failed")
		if err := mq.RetryOrDead(ctx, msg, kind); err != nil {
			l.Error().Err(err).Msg("Failed to settle failed delivery")
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		l.Error().Err(err).Msg("Failed to ack delivery")
	}
}
