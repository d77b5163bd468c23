package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewRedis creates the Redis client backing the distributed lock manager.
func NewRedis(cfg *config.RedisConfig, log zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", cfg.GetAddr()).Msg("Connected to Redis")
	return client, nil
}
