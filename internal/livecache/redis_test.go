package livecache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
)

// requireRedis skips the calling test unless a local Redis instance is
// reachable.
func requireRedis(t *testing.T) string {
	t.Helper()
	url := "redis://localhost:6379/15"
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Skip("could not parse test redis URL")
	}
	client := redis.NewClient(opt)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available for integration tests")
	}
	return url
}

func cleanupRedisTestData(t *testing.T, url string) {
	t.Helper()
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer func() { _ = client.Close() }()
	require.NoError(t, client.FlushDB(context.Background()).Err())
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{URL: "not-a-url"}, time.Minute, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestCache_AppendGetClear(t *testing.T) {
	url := requireRedis(t)
	defer cleanupRedisTestData(t, url)

	cache, err := New(context.Background(), config.RedisConfig{URL: url, Timeout: time.Second}, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()

	ctx := context.Background()
	_, ok := cache.Get(ctx, 42)
	assert.False(t, ok)

	require.NoError(t, cache.Append(ctx, 42, "hello "))
	require.NoError(t, cache.Append(ctx, 42, "world"))

	entry, ok := cache.Get(ctx, 42)
	require.True(t, ok)
	assert.Equal(t, "hello world", entry.CachedContent)
	assert.Equal(t, 42, int(entry.SubtaskID))

	require.NoError(t, cache.Clear(ctx, 42))
	_, ok = cache.Get(ctx, 42)
	assert.False(t, ok)
}
