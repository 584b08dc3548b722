package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects using REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.
func NewRedisClient(ctx context.Context, logger *zap.Logger) (*redis.Client, error) {
	addr := Env("REDIS_ADDR", "localhost:6379")
	db := EnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: Env("REDIS_PASSWORD", ""),
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("connected to redis", zap.String("addr", addr), zap.Int("db", db))
	return rdb, nil
}
