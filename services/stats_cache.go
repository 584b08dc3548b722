package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"matrix-reward-engine/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatsCache holds rendered layer statistics between writes to a root.
type StatsCache interface {
	Get(ctx context.Context, root string) (*models.MatrixStats, bool)
	Set(ctx context.Context, stats *models.MatrixStats)
	Invalidate(ctx context.Context, roots ...string)
}

type nopStatsCache struct{}

func (nopStatsCache) Get(context.Context, string) (*models.MatrixStats, bool) { return nil, false }
func (nopStatsCache) Set(context.Context, *models.MatrixStats)                {}
func (nopStatsCache) Invalidate(context.Context, ...string)                   {}

// RedisStatsCache stores statistics as JSON under matrix:stats:<root>.
type RedisStatsCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStatsCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStatsCache {
	return &RedisStatsCache{client: client, ttl: ttl, logger: logger.Named("stats_cache")}
}

func statsKey(root string) string { return "matrix:stats:" + root }

func (c *RedisStatsCache) Get(ctx context.Context, root string) (*models.MatrixStats, bool) {
	data, err := c.client.Get(ctx, statsKey(root)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Debug("stats cache read failed", zap.String("root", root), zap.Error(err))
		return nil, false
	}
	var stats models.MatrixStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false
	}
	return &stats, true
}

func (c *RedisStatsCache) Set(ctx context.Context, stats *models.MatrixStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statsKey(stats.Root), data, c.ttl).Err(); err != nil {
		c.logger.Debug("stats cache write failed", zap.String("root", stats.Root), zap.Error(err))
	}
}

func (c *RedisStatsCache) Invalidate(ctx context.Context, roots ...string) {
	if len(roots) == 0 {
		return
	}
	keys := make([]string, 0, len(roots))
	for _, r := range roots {
		keys = append(keys, statsKey(r))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Debug("stats cache invalidation failed", zap.Strings("roots", roots), zap.Error(err))
	}
}
