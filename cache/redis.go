package cache

import (
	"context"
	"fmt"
	"time"

	"insights-svc/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	summaryTTL      = 30 * time.Second
	backfillLockTTL = 10 * time.Minute
)

// InitRedis connects to Redis when REDIS_HOST is configured. Redis is
// optional: callers must tolerate a nil client.
func InitRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.RedisHost == "" {
		logger.Info("Redis not configured, caching and distributed locks disabled")
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func summaryKey(tenantID string) string {
	return fmt.Sprintf("summary:%s", tenantID)
}

func GetSummary(ctx context.Context, rdb *redis.Client, tenantID string) ([]byte, error) {
	return rdb.Get(ctx, summaryKey(tenantID)).Bytes()
}

func SetSummary(ctx context.Context, rdb *redis.Client, tenantID string, data []byte) error {
	return rdb.Set(ctx, summaryKey(tenantID), data, summaryTTL).Err()
}

func InvalidateSummary(ctx context.Context, rdb *redis.Client, tenantID string) error {
	return rdb.Del(ctx, summaryKey(tenantID)).Err()
}

// AcquireBackfillLock takes the per-tenant advisory lock guarding against
// concurrent backfills. Returns false when another backfill holds it.
func AcquireBackfillLock(ctx context.Context, rdb *redis.Client, tenantID string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf("backfill_lock:%s", tenantID), "1", backfillLockTTL).Result()
}

func ReleaseBackfillLock(ctx context.Context, rdb *redis.Client, tenantID string) error {
	return rdb.Del(ctx, fmt.Sprintf("backfill_lock:%s", tenantID)).Err()
}
