package cache_manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-cache-transcoder/pkg/transcoder"
)

var (
	// ErrTranscoderMissing indicates the transcoder dependency is absent.
	ErrTranscoderMissing = errors.New("transcoder is required")
	// ErrItemTooLarge is returned by Set when the encoded payload exceeds its MaxSize.
	ErrItemTooLarge = errors.New("item exceeds maximum size")
	// ErrClosed is returned by async writes after Close.
	ErrClosed = errors.New("cache is closed")
	// ErrCountersUnsupported is returned when no configured level implements Counter.
	ErrCountersUnsupported = errors.New("no configured cache level supports counters")
)

const defaultAsyncLimit = 64

// Invalidator broadcasts key invalidations between processes sharing an L2.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, channel, message string) error
	SubscribeInvalidations(ctx context.Context, channel string, handler func(context.Context, string)) error
}

// MultiLevelConfig exposes optional tuning knobs.
type MultiLevelConfig struct {
	// Mode defines the default caching strategy. Defaults to ModeBothLevels.
	Mode CacheMode
	// WarmupTTL is the TTL applied when populating L1 from an L2 hit.
	// Defaults to 5 minutes when zero.
	WarmupTTL time.Duration
	// L1DefaultTTL is used when CacheOptions do not specify an L1 TTL.
	L1DefaultTTL time.Duration
	// L2DefaultTTL is used when CacheOptions do not specify an L2 TTL.
	L2DefaultTTL time.Duration
	// CounterTTL applies to counters touched by Incr. Zero keeps them until deleted.
	CounterTTL time.Duration
	// AsyncLimit bounds in-flight SetAsync and DeleteAsync writes. Defaults to 64.
	AsyncLimit int
	// InvalidationChannel, when set, publishes every Set and Delete on the L2
	// so other processes evict their L1 copy. L2 must implement Invalidator.
	InvalidationChannel string
	Logger              *zap.Logger
}

var _ Cache = (*MultiLevelCache)(nil)

// MultiLevelCache composes an L1 and L2 cache with cache-aside semantics.
type MultiLevelCache struct {
	l1             RawCache
	l2             RawCache
	transcoder     *transcoder.Transcoder
	mode           CacheMode
	allowOverrides bool // true only when both L1 and L2 are configured
	warmupTTL      time.Duration
	l1DefaultTTL   time.Duration
	l2DefaultTTL   time.Duration
	counterTTL     time.Duration
	logger         *zap.Logger
	counters       *counters

	invalidator Invalidator
	channel     string
	origin      string

	mu     sync.RWMutex // guards closed against async.Go
	closed bool
	async  errgroup.Group
}

// NewMultiLevelCache builds a MultiLevelCache with sensible defaults.
func NewMultiLevelCache(l1 RawCache, l2 RawCache, tc *transcoder.Transcoder, cfg MultiLevelConfig) (*MultiLevelCache, error) {
	if tc == nil {
		return nil, ErrTranscoderMissing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Validate mode against provided caches
	mode := cfg.Mode
	switch mode {
	case ModeL1Only:
		if l1 == nil {
			return nil, errors.New("ModeL1Only requires L1 cache to be configured")
		}
		if l2 != nil {
			logger.Warn("cache mode mismatch, L2 will be ignored by default",
				zap.Stringer("mode", mode))
		}
	case ModeL2Only:
		if l2 == nil {
			return nil, errors.New("ModeL2Only requires L2 cache to be configured")
		}
		if l1 != nil {
			logger.Warn("cache mode mismatch, L1 will be ignored by default",
				zap.Stringer("mode", mode))
		}
	case ModeBothLevels:
		if l1 == nil || l2 == nil {
			return nil, errors.New("ModeBothLevels requires both L1 and L2 caches to be configured")
		}
	default:
		// Default to ModeBothLevels if not specified
		mode = ModeBothLevels
		if l1 == nil || l2 == nil {
			return nil, errors.New("ModeBothLevels (default) requires both L1 and L2 caches to be configured")
		}
	}

	// Strict validation: if only one level configured, verify mode matches exactly
	if l1 != nil && l2 == nil && mode != ModeL1Only {
		return nil, errors.New("only L1 configured but mode is not ModeL1Only; set mode to ModeL1Only or configure L2")
	}
	if l1 == nil && l2 != nil && mode != ModeL2Only {
		return nil, errors.New("only L2 configured but mode is not ModeL2Only; set mode to ModeL2Only or configure L1")
	}

	m := &MultiLevelCache{
		l1:             l1,
		l2:             l2,
		transcoder:     tc,
		mode:           mode,
		allowOverrides: l1 != nil && l2 != nil,
		warmupTTL:      orDefault(cfg.WarmupTTL, 5*time.Minute),
		l1DefaultTTL:   orDefault(cfg.L1DefaultTTL, 5*time.Minute),
		l2DefaultTTL:   orDefault(cfg.L2DefaultTTL, 5*time.Minute),
		counterTTL:     cfg.CounterTTL,
		logger:         logger,
		counters:       newCounters(),
	}

	if cfg.InvalidationChannel != "" {
		inv, ok := l2.(Invalidator)
		if !ok {
			return nil, errors.New("invalidation channel requires an L2 cache that supports pub/sub")
		}
		origin, err := newOrigin()
		if err != nil {
			return nil, err
		}
		m.invalidator, m.channel, m.origin = inv, cfg.InvalidationChannel, origin
	}

	limit := cfg.AsyncLimit
	if limit <= 0 {
		limit = defaultAsyncLimit
	}
	m.async.SetLimit(limit)

	return m, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Get implements Cache.Get with cache-aside semantics and mode-aware warmup.
// It checks endpoint-level options first (via opts), then falls back to
// service-level mode. A payload that cannot be decoded into a local type is
// reported as a miss.
func (m *MultiLevelCache) Get(ctx context.Context, key string, opts CacheOptions) (any, bool, error) {
	if m == nil {
		return nil, false, errors.New("cache not initialized")
	}

	checkL1, checkL2, err := m.levels(opts, "Get operation requires at least one cache level to be checked")
	if err != nil {
		return nil, false, err
	}
	key = sanitizeKey(m.logger, key)

	if checkL1 {
		d, ok, err := m.l1.Get(ctx, key)
		if err != nil {
			m.logger.Error("L1 get failed", zap.String("key", key), zap.Error(err))
			return nil, false, err
		}
		if ok {
			v, err := m.decode(key, d)
			if err != nil {
				return nil, false, err
			}
			if v != nil {
				m.logger.Debug("L1 hit", zap.String("key", key), zap.Int("size", len(d.Data)))
				m.counters.incr("hits")
				m.counters.incr("l1_hits")
				return v, true, nil
			}
		}
		m.logger.Debug("L1 miss", zap.String("key", key))
	}

	if !checkL2 {
		m.counters.incr("misses")
		return nil, false, nil
	}

	d, ok, err := m.l2.Get(ctx, key)
	if err != nil {
		m.logger.Error("L2 get failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	if !ok {
		m.logger.Debug("L2 miss", zap.String("key", key))
		m.counters.incr("misses")
		return nil, false, nil
	}
	v, err := m.decode(key, d)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		m.counters.incr("misses")
		return nil, false, nil
	}

	m.logger.Debug("L2 hit", zap.String("key", key), zap.Int("size", len(d.Data)))
	m.counters.incr("hits")
	m.counters.incr("l2_hits")

	// We don't warm L1 if the caller explicitly chose to skip it.
	if checkL1 && m.mode == ModeBothLevels && opts.TargetL1 == nil {
		m.warm(ctx, key, d)
	}
	return v, true, nil
}

// GetMulti looks up keys on the mode's default levels. The result holds every
// sanitized key; keys that missed map to nil.
func (m *MultiLevelCache) GetMulti(ctx context.Context, keys []string) (map[string]any, error) {
	if m == nil {
		return nil, errors.New("cache not initialized")
	}

	checkL1, checkL2 := m.determineCacheLevel()
	out := make(map[string]any, len(keys))
	pending := make([]string, 0, len(keys))
	for _, k := range keys {
		k = sanitizeKey(m.logger, k)
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = nil
		pending = append(pending, k)
	}
	all := pending

	if checkL1 && m.l1 != nil {
		rest := make([]string, 0, len(pending))
		for _, k := range pending {
			d, ok, err := m.l1.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			if ok {
				v, err := m.decode(k, d)
				if err != nil {
					return nil, err
				}
				if v != nil {
					out[k] = v
					m.counters.incr("l1_hits")
					continue
				}
			}
			rest = append(rest, k)
		}
		pending = rest
	}

	if checkL2 && m.l2 != nil && len(pending) > 0 {
		found, err := m.getMultiL2(ctx, pending)
		if err != nil {
			return nil, err
		}
		for _, k := range pending {
			d, ok := found[k]
			if !ok {
				continue
			}
			v, err := m.decode(k, d)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			out[k] = v
			m.counters.incr("l2_hits")
			if checkL1 && m.mode == ModeBothLevels {
				m.warm(ctx, k, d)
			}
		}
	}

	for _, k := range all {
		if out[k] == nil {
			m.counters.incr("misses")
		} else {
			m.counters.incr("hits")
		}
	}
	return out, nil
}

func (m *MultiLevelCache) getMultiL2(ctx context.Context, keys []string) (map[string]transcoder.CachedData, error) {
	if mg, ok := m.l2.(MultiGetter); ok {
		return mg.GetMulti(ctx, keys)
	}
	found := make(map[string]transcoder.CachedData, len(keys))
	for _, k := range keys {
		d, ok, err := m.l2.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			found[k] = d
		}
	}
	return found, nil
}

// Peek returns the raw payload stored for key without decoding it, along with
// the level it was read from. It neither warms L1 nor touches the counters.
func (m *MultiLevelCache) Peek(ctx context.Context, key string) (transcoder.CachedData, string, bool, error) {
	if m == nil {
		return transcoder.CachedData{}, "", false, errors.New("cache not initialized")
	}

	key = sanitizeKey(m.logger, key)
	for _, lvl := range []struct {
		name  string
		cache RawCache
	}{{"l1", m.l1}, {"l2", m.l2}} {
		if lvl.cache == nil {
			continue
		}
		d, ok, err := lvl.cache.Get(ctx, key)
		if err != nil {
			return transcoder.CachedData{}, "", false, err
		}
		if ok {
			return d, lvl.name, true, nil
		}
	}
	return transcoder.CachedData{}, "", false, nil
}

// warm copies an L2 payload into L1. Failures are logged and ignored.
func (m *MultiLevelCache) warm(ctx context.Context, key string, d transcoder.CachedData) {
	if err := m.l1.Set(ctx, key, d, m.warmupTTL); err != nil {
		m.logger.Warn("L1 warmup failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.counters.incr("l1_warmups")
}

func (m *MultiLevelCache) decode(key string, d transcoder.CachedData) (any, error) {
	v, err := m.transcoder.Decode(d)
	if err != nil {
		m.logger.Error("stored payload could not be decoded",
			zap.String("key", key),
			zap.String("flags", transcoder.Describe(d.Flags)),
			zap.Error(err))
		return nil, err
	}
	if v == nil {
		m.counters.incr("decode_misses")
	}
	return v, nil
}

// levels resolves the targeted levels for one call and validates them.
func (m *MultiLevelCache) levels(opts CacheOptions, noneTargeted string) (bool, bool, error) {
	// Check if user is trying to override levels when not allowed
	if !m.allowOverrides && (opts.TargetL1 != nil || opts.TargetL2 != nil) {
		return false, false, errors.New("level overrides not allowed: both L1 and L2 must be configured to use TargetL1/TargetL2 options")
	}

	l1, l2 := m.determineCacheLevel()
	l1, l2 = m.applyEndpointLevelOverrides(opts, l1, l2)

	if !l1 && !l2 {
		return false, false, errors.New(noneTargeted)
	}
	if l1 && m.l1 == nil {
		return false, false, errors.New("L1 target requested but L1 cache not configured")
	}
	if l2 && m.l2 == nil {
		return false, false, errors.New("L2 target requested but L2 cache not configured")
	}
	return l1, l2, nil
}

func (m *MultiLevelCache) applyEndpointLevelOverrides(opts CacheOptions, checkL1 bool, checkL2 bool) (bool, bool) {
	if opts.TargetL1 != nil {
		checkL1 = *opts.TargetL1
	}
	if opts.TargetL2 != nil {
		checkL2 = *opts.TargetL2
	}
	return checkL1, checkL2
}

func (m *MultiLevelCache) determineCacheLevel() (bool, bool) {
	switch m.mode {
	case ModeL1Only:
		return true, false
	case ModeL2Only:
		return false, true
	default:
		return true, true
	}
}

// Set encodes value and persists it to cache levels based on mode and
// options. It returns once every targeted write has completed.
func (m *MultiLevelCache) Set(ctx context.Context, key string, value any, opts CacheOptions) error {
	if m == nil {
		return errors.New("cache not initialized")
	}

	w, err := m.prepare(key, value, opts)
	if err != nil {
		return err
	}
	return m.store(ctx, w)
}

// SetAsync validates and encodes value, then writes it in the background.
// Write failures are logged and counted; Close waits for pending writes.
func (m *MultiLevelCache) SetAsync(ctx context.Context, key string, value any, opts CacheOptions) error {
	if m == nil {
		return errors.New("cache not initialized")
	}

	w, err := m.prepare(key, value, opts)
	if err != nil {
		return err
	}
	return m.goAsync(func() {
		if err := m.store(context.WithoutCancel(ctx), w); err != nil {
			m.counters.incr("async_failures")
			m.logger.Warn("async set failed", zap.String("key", w.key), zap.Error(err))
		}
	})
}

type write struct {
	key    string
	data   transcoder.CachedData
	l1, l2 bool
	l1TTL  time.Duration
	l2TTL  time.Duration
}

func (m *MultiLevelCache) prepare(key string, value any, opts CacheOptions) (write, error) {
	l1, l2, err := m.levels(opts, "Set operation requires at least one cache level to be targeted")
	if err != nil {
		return write{}, err
	}

	d, err := m.transcoder.Encode(value)
	if err != nil {
		m.logger.Error("encode failed", zap.String("key", key), zap.Error(err))
		return write{}, err
	}
	if len(d.Data) > d.MaxSize {
		return write{}, fmt.Errorf("%w: %d bytes, limit %d", ErrItemTooLarge, len(d.Data), d.MaxSize)
	}

	l1TTL, l2TTL := opts.normalize(m.l1DefaultTTL, m.l2DefaultTTL)
	return write{
		key:   sanitizeKey(m.logger, key),
		data:  d,
		l1:    l1,
		l2:    l2,
		l1TTL: l1TTL,
		l2TTL: l2TTL,
	}, nil
}

// store writes to the targeted levels with best-effort semantics: both
// writes are attempted, and a two-level write fails only if both fail.
func (m *MultiLevelCache) store(ctx context.Context, w write) error {
	m.logger.Debug("writing payload",
		zap.String("key", w.key),
		zap.String("flags", transcoder.Describe(w.data.Flags)),
		zap.Int("size", len(w.data.Data)))

	var l1Err, l2Err error
	if w.l1 {
		if l1Err = m.l1.Set(ctx, w.key, w.data, w.l1TTL); l1Err != nil {
			m.logger.Warn("L1 write failed", zap.String("key", w.key), zap.Error(l1Err))
		}
	}
	if w.l2 {
		if l2Err = m.l2.Set(ctx, w.key, w.data, w.l2TTL); l2Err != nil {
			m.logger.Warn("L2 write failed", zap.String("key", w.key), zap.Error(l2Err))
		} else {
			m.publish(ctx, w.key)
		}
	}

	if w.l1 && w.l2 {
		if l1Err != nil && l2Err != nil {
			return fmt.Errorf("both cache levels failed: %w", multierr.Combine(l1Err, l2Err))
		}
	} else if err := multierr.Combine(l1Err, l2Err); err != nil {
		return err
	}

	m.counters.incr("sets")
	return nil
}

// Delete removes the key from both levels.
func (m *MultiLevelCache) Delete(ctx context.Context, key string) error {
	if m == nil {
		return errors.New("cache not initialized")
	}
	return m.delete(ctx, sanitizeKey(m.logger, key))
}

// DeleteAsync removes the key from both levels in the background.
func (m *MultiLevelCache) DeleteAsync(ctx context.Context, key string) error {
	if m == nil {
		return errors.New("cache not initialized")
	}

	key = sanitizeKey(m.logger, key)
	return m.goAsync(func() {
		if err := m.delete(context.WithoutCancel(ctx), key); err != nil {
			m.counters.incr("async_failures")
			m.logger.Warn("async delete failed", zap.String("key", key), zap.Error(err))
		}
	})
}

func (m *MultiLevelCache) delete(ctx context.Context, key string) error {
	var err error
	if m.l1 != nil {
		err = multierr.Append(err, m.l1.Delete(ctx, key))
	}
	if m.l2 != nil {
		l2Err := m.l2.Delete(ctx, key)
		if l2Err == nil {
			m.publish(ctx, key)
		}
		err = multierr.Append(err, l2Err)
	}
	if err != nil {
		m.logger.Warn("delete failed", zap.String("key", key), zap.Error(err))
		return err
	}
	m.counters.incr("deletes")
	return nil
}

func (m *MultiLevelCache) goAsync(fn func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.async.Go(func() error {
		fn()
		return nil
	})
	return nil
}

// Incr adds delta to the counter at key and returns the new value. A missing
// counter starts at zero. Counters live on L2 when it supports them, and the
// L1 copy is dropped so reads see the shared value.
func (m *MultiLevelCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if m == nil {
		return 0, errors.New("cache not initialized")
	}

	c, onL2, err := m.counterLevel()
	if err != nil {
		return 0, err
	}
	key = sanitizeKey(m.logger, key)
	n, err := c.Incr(ctx, key, delta, m.counterTTL)
	if err != nil {
		return 0, err
	}
	if onL2 && m.l1 != nil {
		if err := m.l1.Delete(ctx, key); err != nil {
			m.logger.Warn("L1 counter eviction failed", zap.String("key", key), zap.Error(err))
		}
	}
	return n, nil
}

// Counter returns the counter value at key.
func (m *MultiLevelCache) Counter(ctx context.Context, key string) (int64, bool, error) {
	if m == nil {
		return 0, false, errors.New("cache not initialized")
	}

	c, _, err := m.counterLevel()
	if err != nil {
		return 0, false, err
	}
	return c.Counter(ctx, sanitizeKey(m.logger, key))
}

func (m *MultiLevelCache) counterLevel() (Counter, bool, error) {
	if c, ok := m.l2.(Counter); ok {
		return c, true, nil
	}
	if c, ok := m.l1.(Counter); ok {
		return c, false, nil
	}
	return nil, false, ErrCountersUnsupported
}

// ListenInvalidations evicts L1 entries written or deleted by other processes
// until ctx is done.
func (m *MultiLevelCache) ListenInvalidations(ctx context.Context) error {
	if m.invalidator == nil {
		return errors.New("invalidation channel not configured")
	}
	return m.invalidator.SubscribeInvalidations(ctx, m.channel, m.handleInvalidation)
}

func (m *MultiLevelCache) handleInvalidation(ctx context.Context, msg string) {
	origin, key, ok := strings.Cut(msg, " ")
	if !ok || origin == m.origin || m.l1 == nil {
		return
	}
	if err := m.l1.Delete(ctx, key); err != nil {
		m.logger.Warn("L1 invalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.counters.incr("invalidations_received")
}

func (m *MultiLevelCache) publish(ctx context.Context, key string) {
	if m.invalidator == nil {
		return
	}
	if err := m.invalidator.PublishInvalidation(ctx, m.channel, m.origin+" "+key); err != nil {
		m.logger.Warn("invalidation publish failed", zap.String("key", key), zap.Error(err))
	}
}

// Close waits for pending async writes. Later async calls fail with ErrClosed.
// The levels themselves are owned by the caller.
func (m *MultiLevelCache) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.async.Wait()
}

func newOrigin() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("invalidation origin: %w", err)
	}
	return hex.EncodeToString(b), nil
}
