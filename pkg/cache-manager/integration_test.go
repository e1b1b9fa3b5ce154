package cache_manager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"go-cache-transcoder/pkg/transcoder"
)

func TestIntegrationMultiLevelCacheWithRedis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test, redis unreachable at %s: %v", addr, err)
	}
	defer func() {
		_ = client.Close()
	}()

	l1, err := NewBigCache(ctx, BigCacheConfig{Config: bigcache.DefaultConfig(time.Minute)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })

	l2, err := NewRedisCache(client)
	require.NoError(t, err)

	reg := transcoder.NewRegistry()
	reg.Register(user{})
	tc := transcoder.New(transcoder.Options{Strategy: transcoder.StrategyOptimized, Registry: reg})

	ml, err := NewMultiLevelCache(l1, l2, tc, MultiLevelConfig{WarmupTTL: time.Second})
	require.NoError(t, err)

	key := "integration:user"
	_ = ml.Delete(ctx, key)
	t.Cleanup(func() { _ = ml.Delete(context.Background(), key) })

	value := user{Name: "cached"}
	opts := CacheOptions{L1TTL: 200 * time.Millisecond, L2TTL: 200 * time.Millisecond}
	require.NoError(t, ml.Set(ctx, key, value, opts))

	out, found, err := ml.Get(ctx, key, CacheOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value, out)

	time.Sleep(300 * time.Millisecond)

	_, found, err = ml.Get(ctx, key, CacheOptions{})
	require.NoError(t, err)
	require.False(t, found)
}

type user struct {
	Name string
}
