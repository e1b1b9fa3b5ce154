package cache_manager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"go-cache-transcoder/pkg/transcoder"
)

// entryHeaderSize is the expiry (8 bytes) plus the flags word (4 bytes).
const entryHeaderSize = 12

var (
	_ RawCache = (*BigCache)(nil)
	_ Counter  = (*BigCache)(nil)
)

// BigCache wraps github.com/allegro/bigcache for L1 caching.
type BigCache struct {
	cache *bigcache.BigCache
	// counters serializes read-modify-write on counter entries.
	counters sync.Mutex
}

// BigCacheConfig allows customizing the underlying cache.
type BigCacheConfig struct {
	Config bigcache.Config
}

// NewBigCache constructs a BigCache instance.
func NewBigCache(ctx context.Context, cfg BigCacheConfig) (*BigCache, error) {
	// Start with default config to ensure all required fields have valid values
	config := bigcache.DefaultConfig(10 * time.Minute)
	config.CleanWindow = time.Minute

	// Override with user-provided non-zero values
	if cfg.Config.Shards != 0 {
		config.Shards = cfg.Config.Shards
	}
	if cfg.Config.LifeWindow != 0 {
		config.LifeWindow = cfg.Config.LifeWindow
	}
	if cfg.Config.CleanWindow != 0 {
		config.CleanWindow = cfg.Config.CleanWindow
	}
	if cfg.Config.MaxEntriesInWindow != 0 {
		config.MaxEntriesInWindow = cfg.Config.MaxEntriesInWindow
	}
	if cfg.Config.MaxEntrySize != 0 {
		config.MaxEntrySize = cfg.Config.MaxEntrySize
	}
	if cfg.Config.HardMaxCacheSize != 0 {
		config.HardMaxCacheSize = cfg.Config.HardMaxCacheSize
	}
	config.Verbose = cfg.Config.Verbose
	config.Hasher = cfg.Config.Hasher
	config.Logger = cfg.Config.Logger
	config.OnRemove = cfg.Config.OnRemove
	config.OnRemoveWithMetadata = cfg.Config.OnRemoveWithMetadata
	config.OnRemoveWithReason = cfg.Config.OnRemoveWithReason

	bc, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, err
	}

	return &BigCache{cache: bc}, nil
}

// Close shuts down the cache.
func (b *BigCache) Close() error {
	if b == nil || b.cache == nil {
		return nil
	}
	return b.cache.Close()
}

// Get returns the payload if present and not expired.
func (b *BigCache) Get(ctx context.Context, key string) (transcoder.CachedData, bool, error) {
	if b == nil || b.cache == nil {
		return transcoder.CachedData{}, false, errors.New("bigcache not initialized")
	}

	raw, err := b.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return transcoder.CachedData{}, false, nil
		}
		return transcoder.CachedData{}, false, err
	}

	d, ok := decodeEntry(raw)
	if !ok {
		_ = b.cache.Delete(key)
		return transcoder.CachedData{}, false, nil
	}

	return d, true, nil
}

// Set stores the payload with TTL metadata.
func (b *BigCache) Set(ctx context.Context, key string, value transcoder.CachedData, ttl time.Duration) error {
	if b == nil || b.cache == nil {
		return errors.New("bigcache not initialized")
	}
	return b.cache.Set(key, encodeEntry(value, ttl))
}

// Delete removes an entry. Deleting a missing key is not an error.
func (b *BigCache) Delete(ctx context.Context, key string) error {
	if b == nil || b.cache == nil {
		return errors.New("bigcache not initialized")
	}
	if err := b.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Incr adds delta to the counter stored at key, starting from zero when the
// key is absent. Counters are stored as decimal strings.
func (b *BigCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if b == nil || b.cache == nil {
		return 0, errors.New("bigcache not initialized")
	}

	b.counters.Lock()
	defer b.counters.Unlock()

	n, _, err := b.Counter(ctx, key)
	if err != nil {
		return 0, err
	}
	n += delta
	d := transcoder.CachedData{Flags: transcoder.FlagString, Data: strconv.AppendInt(nil, n, 10)}
	if err := b.Set(ctx, key, d, ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// Counter returns the current counter value at key.
func (b *BigCache) Counter(ctx context.Context, key string) (int64, bool, error) {
	d, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(d.Data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s: %w", key, err)
	}
	return n, true, nil
}

func encodeEntry(d transcoder.CachedData, ttl time.Duration) []byte {
	expiry := int64(0)
	if ttl > 0 {
		expiry = time.Now().Add(ttl).UnixNano()
	}

	out := make([]byte, entryHeaderSize+len(d.Data))
	binary.LittleEndian.PutUint64(out[:8], uint64(expiry))
	binary.LittleEndian.PutUint32(out[8:12], uint32(d.Flags))
	copy(out[entryHeaderSize:], d.Data)
	return out
}

func decodeEntry(raw []byte) (transcoder.CachedData, bool) {
	if len(raw) < entryHeaderSize {
		return transcoder.CachedData{}, false
	}
	expiry := int64(binary.LittleEndian.Uint64(raw[:8]))
	if expiry > 0 && time.Now().UnixNano() > expiry {
		return transcoder.CachedData{}, false
	}
	data := make([]byte, len(raw)-entryHeaderSize)
	copy(data, raw[entryHeaderSize:])
	return transcoder.CachedData{
		Flags: transcoder.Flags(binary.LittleEndian.Uint32(raw[8:12])),
		Data:  data,
	}, true
}
