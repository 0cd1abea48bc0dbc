// Package livecache is the Redis-backed "live stream cache" side of the
// three-source content-priority merge: the ~1s cadence cache of in-flight
// assistant content, keyed by subtask id. Client construction follows the
// usual redis.ParseURL-plus-config-options shape, reduced here to the
// single get/set/offset concern the content-priority rule needs instead of
// full task dead-letter storage.
package livecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
)

const keyPrefix = "wegent:stream:"

// Entry is the cached state of an in-flight subtask.
type Entry struct {
	SubtaskID     int64
	Offset        int
	CachedContent string
}

// Cache reads/writes the live content cache for in-flight subtasks.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// New connects to Redis per config and returns a Cache. Entries expire
// after ttl if not refreshed (a stalled stream should not pin memory
// forever); callers refresh the TTL on every chunk append.
func New(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.DialTimeout = cfg.Timeout
	opt.ReadTimeout = cfg.Timeout
	opt.WriteTimeout = cfg.Timeout

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to live stream cache", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))

	return &Cache{client: client, logger: logger, ttl: ttl}, nil
}

func key(subtaskID int64) string {
	return keyPrefix + strconv.FormatInt(subtaskID, 10)
}

// Append appends content to the cached entry, creating it if absent, and
// refreshes its expiry. This is the durable replayable transcript the
// merge rule's Redis branch reads from.
func (c *Cache) Append(ctx context.Context, subtaskID int64, content string) error {
	pipe := c.client.TxPipeline()
	pipe.Append(ctx, key(subtaskID)+":content", content)
	pipe.Incr(ctx, key(subtaskID)+":offset")
	pipe.Expire(ctx, key(subtaskID)+":content", c.ttl)
	pipe.Expire(ctx, key(subtaskID)+":offset", c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append live cache entry: %w", err)
	}
	return nil
}

// Get returns the cached entry for a subtask, or ok=false if absent/expired.
func (c *Cache) Get(ctx context.Context, subtaskID int64) (Entry, bool) {
	content, err := c.client.Get(ctx, key(subtaskID)+":content").Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("live cache read failed", zap.Int64("subtask_id", subtaskID), zap.Error(err))
		}
		return Entry{}, false
	}

	offsetStr, err := c.client.Get(ctx, key(subtaskID)+":offset").Result()
	offset := 0
	if err == nil {
		offset, _ = strconv.Atoi(offsetStr)
	}

	return Entry{SubtaskID: subtaskID, Offset: offset, CachedContent: content}, true
}

// Clear removes the cached entry once a subtask reaches a terminal state.
func (c *Cache) Clear(ctx context.Context, subtaskID int64) error {
	return c.client.Del(ctx, key(subtaskID)+":content", key(subtaskID)+":offset").Err()
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
