package cache_manager

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"go-cache-transcoder/pkg/transcoder"
)

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache, err := NewRedisCache(client)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return cache, mr
}

func TestRedisCacheSetGetDelete(t *testing.T) {
	t.Parallel()

	cache, mr := setupRedisCache(t)
	ctx := context.Background()

	in := transcoder.CachedData{Flags: transcoder.FlagSerialized | transcoder.FlagGzip, Data: []byte{0, 1, 2, 0xff}}
	require.NoError(t, cache.Set(ctx, "foo", in, time.Minute))

	require.Equal(t, "10", mr.HGet("foo", fieldFlags))
	require.Equal(t, time.Minute, mr.TTL("foo"))

	out, ok, err := cache.Get(ctx, "foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Flags, out.Flags)
	require.Equal(t, in.Data, out.Data)

	require.NoError(t, cache.Delete(ctx, "foo"))

	_, ok, err = cache.Get(ctx, "foo")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheTTL(t *testing.T) {
	t.Parallel()

	cache, mr := setupRedisCache(t)
	ctx := context.Background()

	value := transcoder.CachedData{Flags: transcoder.FlagString, Data: []byte("value")}
	require.NoError(t, cache.Set(ctx, "ttl", value, 50*time.Millisecond))
	mr.FastForward(100 * time.Millisecond)

	_, ok, err := cache.Get(ctx, "ttl")
	require.NoError(t, err)
	require.False(t, ok)

	// A zero TTL clears any previous expiry.
	require.NoError(t, cache.Set(ctx, "keep", value, time.Second))
	require.NoError(t, cache.Set(ctx, "keep", value, 0))
	require.Zero(t, mr.TTL("keep"))
}

func TestRedisCacheRejectsMalformedItem(t *testing.T) {
	t.Parallel()

	cache, mr := setupRedisCache(t)
	mr.HSet("bad", fieldFlags, "not-a-number")
	mr.HSet("bad", fieldData, "x")

	_, _, err := cache.Get(context.Background(), "bad")
	require.Error(t, err)
}

func TestRedisCacheGetMulti(t *testing.T) {
	t.Parallel()

	cache, _ := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", transcoder.CachedData{Flags: transcoder.FlagString, Data: []byte("A")}, time.Minute))
	require.NoError(t, cache.Set(ctx, "b", transcoder.CachedData{Flags: transcoder.FlagInt, Data: []byte{0, 0, 0, 2}}, time.Minute))

	got, err := cache.GetMulti(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("A"), got["a"].Data)
	require.Equal(t, transcoder.FlagInt, got["b"].Flags)
}

func TestRedisCacheCounters(t *testing.T) {
	t.Parallel()

	cache, mr := setupRedisCache(t)
	ctx := context.Background()

	_, ok, err := cache.Counter(ctx, "visits")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := cache.Incr(ctx, "visits", 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	n, err = cache.Incr(ctx, "visits", -2, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, ok, err = cache.Counter(ctx, "visits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), n)
	require.Equal(t, time.Minute, mr.TTL("visits"))

	// Counters read back through Get as decimal strings.
	d, ok, err := cache.Get(ctx, "visits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, transcoder.FlagString, d.Flags)
	require.Equal(t, []byte("3"), d.Data)
}

func TestMultiLevelCacheWithRedisL2(t *testing.T) {
	t.Parallel()

	l2, _ := setupRedisCache(t)
	l1 := newTestBigCache(t)
	tc := transcoder.New(transcoder.Options{Strategy: transcoder.StrategyOptimized, Compression: transcoder.CompressionSnappy})

	ml, err := NewMultiLevelCache(l1, l2, tc, MultiLevelConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ml.Close() })

	ctx := context.Background()
	tags := []string{"a", "b", "c"}
	require.NoError(t, ml.Set(ctx, "tags", tags, CacheOptions{}))

	require.NoError(t, l1.Delete(ctx, "tags"))
	v, found, err := ml.Get(ctx, "tags", CacheOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tags, v)

	got, err := ml.GetMulti(ctx, []string{"tags", "nothing"})
	require.NoError(t, err)
	require.Equal(t, tags, got["tags"])
	require.Nil(t, got["nothing"])

	n, err := ml.Incr(ctx, "page views", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	n, ok, err := ml.Counter(ctx, "page views")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), n)

	v, found, err = ml.Get(ctx, "page views", CacheOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "3", v)
}

func TestMultiLevelCacheInvalidationEvictsPeerL1(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	newNode := func() (*MultiLevelCache, *memoryRawCache) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		l2, err := NewRedisCache(client)
		require.NoError(t, err)
		l1 := newMemoryRawCache()
		ml, err := NewMultiLevelCache(l1, l2, newTranscoder(), MultiLevelConfig{InvalidationChannel: "invalidate"})
		require.NoError(t, err)
		return ml, l1
	}
	writer, writerL1 := newNode()
	reader, readerL1 := newNode()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = reader.ListenInvalidations(ctx) }()
	go func() { _ = writer.ListenInvalidations(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("invalidate")["invalidate"] == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Set(ctx, "user:1", "v1", CacheOptions{}))
	require.Eventually(t, func() bool {
		return reader.Stats()["invalidations_received"] == 1
	}, time.Second, 10*time.Millisecond)

	_, found, err := reader.Get(ctx, "user:1", CacheOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, readerL1.has("user%3A1"))

	require.NoError(t, writer.Set(ctx, "user:1", "v2", CacheOptions{}))
	require.Eventually(t, func() bool { return !readerL1.has("user%3A1") }, time.Second, 10*time.Millisecond)
	require.True(t, writerL1.has("user%3A1"), "a node ignores its own invalidations")

	v, _, err := reader.Get(ctx, "user:1", CacheOptions{})
	require.NoError(t, err)
	require.Equal(t, "v2", v)
	require.Equal(t, uint64(2), reader.Stats()["invalidations_received"])
	require.Zero(t, writer.Stats()["invalidations_received"])
}

func TestInvalidationRequiresPubSubLevel(t *testing.T) {
	t.Parallel()

	_, err := NewMultiLevelCache(newMemoryRawCache(), newMemoryRawCache(), newTranscoder(), MultiLevelConfig{InvalidationChannel: "x"})
	require.Error(t, err)

	ml, err := NewMultiLevelCache(newMemoryRawCache(), newMemoryRawCache(), newTranscoder(), MultiLevelConfig{})
	require.NoError(t, err)
	require.Error(t, ml.ListenInvalidations(context.Background()))
}
