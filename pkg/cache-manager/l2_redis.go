package cache_manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-cache-transcoder/pkg/transcoder"
)

// Each item is a hash holding the flags word and the payload bytes.
const (
	fieldFlags = "f"
	fieldData  = "d"
)

var (
	_ RawCache    = (*RedisCache)(nil)
	_ MultiGetter = (*RedisCache)(nil)
	_ Counter     = (*RedisCache)(nil)
	_ Invalidator = (*RedisCache)(nil)
)

// RedisCache is the L2 cache backed by Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache builds a Redis-backed cache. Single-node, sentinel and
// cluster clients are all accepted.
func NewRedisCache(client redis.UniversalClient) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisCache{client: client}, nil
}

// Get fetches a key returning the stored payload when present.
func (r *RedisCache) Get(ctx context.Context, key string) (transcoder.CachedData, bool, error) {
	if r == nil || r.client == nil {
		return transcoder.CachedData{}, false, errors.New("redis cache not initialized")
	}

	vals, err := r.client.HMGet(ctx, key, fieldFlags, fieldData).Result()
	if err != nil {
		return transcoder.CachedData{}, false, err
	}
	return parseItem(key, vals)
}

// GetMulti fetches keys in one pipelined round trip. Missing keys are
// absent from the result.
func (r *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string]transcoder.CachedData, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis cache not initialized")
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, key, fieldFlags, fieldData)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]transcoder.CachedData, len(keys))
	for i, cmd := range cmds {
		d, ok, err := parseItem(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if ok {
			out[keys[i]] = d
		}
	}
	return out, nil
}

// Set stores the payload with the provided TTL. A zero TTL keeps the item
// until it is deleted.
func (r *RedisCache) Set(ctx context.Context, key string, value transcoder.CachedData, ttl time.Duration) error {
	if r == nil || r.client == nil {
		return errors.New("redis cache not initialized")
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldFlags, strconv.FormatUint(uint64(value.Flags), 10),
			fieldData, value.Data)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	return err
}

// Delete removes key from Redis.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return errors.New("redis cache not initialized")
	}
	return r.client.Del(ctx, key).Err()
}

// Incr adds delta to the counter at key with HINCRBY, so counters share the
// item layout and read back through Get as decimal strings.
func (r *RedisCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if r == nil || r.client == nil {
		return 0, errors.New("redis cache not initialized")
	}

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, fieldData, delta)
		pipe.HSetNX(ctx, key, fieldFlags, strconv.FormatUint(uint64(transcoder.FlagString), 10))
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Counter returns the counter value at key.
func (r *RedisCache) Counter(ctx context.Context, key string) (int64, bool, error) {
	if r == nil || r.client == nil {
		return 0, false, errors.New("redis cache not initialized")
	}

	n, err := r.client.HGet(ctx, key, fieldData).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("counter %s: %w", key, err)
	}
	return n, true, nil
}

// PublishInvalidation broadcasts message on channel.
func (r *RedisCache) PublishInvalidation(ctx context.Context, channel, message string) error {
	if r == nil || r.client == nil {
		return errors.New("redis cache not initialized")
	}
	return r.client.Publish(ctx, channel, message).Err()
}

// SubscribeInvalidations calls handler for every message published on
// channel until ctx is done.
func (r *RedisCache) SubscribeInvalidations(ctx context.Context, channel string, handler func(context.Context, string)) error {
	if r == nil || r.client == nil {
		return errors.New("redis cache not initialized")
	}

	sub := r.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handler(ctx, msg.Payload)
		}
	}
}

func parseItem(key string, vals []any) (transcoder.CachedData, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return transcoder.CachedData{}, false, nil
	}
	rawFlags, ok1 := vals[0].(string)
	data, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return transcoder.CachedData{}, false, fmt.Errorf("item %s: unexpected reply types %T, %T", key, vals[0], vals[1])
	}
	flags, err := strconv.ParseUint(rawFlags, 10, 32)
	if err != nil {
		return transcoder.CachedData{}, false, fmt.Errorf("item %s: flags: %w", key, err)
	}
	return transcoder.CachedData{Flags: transcoder.Flags(flags), Data: []byte(data)}, true, nil
}
