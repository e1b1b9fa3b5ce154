package cache_manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-cache-transcoder/pkg/transcoder"
)

// CacheMode defines the default caching strategy for the cache instance.
type CacheMode int

const (
	// ModeBothLevels writes to both L1 and L2 by default, with warmup enabled.
	ModeBothLevels CacheMode = iota
	// ModeL1Only writes only to L1 by default.
	ModeL1Only
	// ModeL2Only writes only to L2 by default, with warmup disabled.
	ModeL2Only
)

func (m CacheMode) String() string {
	switch m {
	case ModeBothLevels:
		return "both"
	case ModeL1Only:
		return "l1"
	case ModeL2Only:
		return "l2"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseCacheMode accepts "both", "l1" or "l2".
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "both", "":
		return ModeBothLevels, nil
	case "l1":
		return ModeL1Only, nil
	case "l2":
		return ModeL2Only, nil
	}
	return 0, fmt.Errorf("unknown cache mode %q", s)
}

// Cache represents the multi-level cache facade exposed to callers.
// Values are encoded with a transcoder, so Get returns the same Go type that
// was stored.
type Cache interface {
	Get(ctx context.Context, key string, opts CacheOptions) (any, bool, error)
	GetMulti(ctx context.Context, keys []string) (map[string]any, error)
	Set(ctx context.Context, key string, value any, opts CacheOptions) error
	Delete(ctx context.Context, key string) error
}

// RawCache is one cache level. It stores encoded payloads without looking
// inside them.
type RawCache interface {
	Get(ctx context.Context, key string) (transcoder.CachedData, bool, error)
	Set(ctx context.Context, key string, value transcoder.CachedData, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MultiGetter is implemented by levels that can fetch many keys in one round trip.
type MultiGetter interface {
	GetMulti(ctx context.Context, keys []string) (map[string]transcoder.CachedData, error)
}

// Counter is implemented by levels that keep atomic integer counters.
type Counter interface {
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Counter(ctx context.Context, key string) (int64, bool, error)
}

// CacheOptions controls both read/write behavior and target levels for cache operations.
// This unified struct ensures consistency between Get and Set operations.
type CacheOptions struct {
	// Target levels (used by both Get and Set)
	TargetL1 *bool // nil = use mode default, true/false = override
	TargetL2 *bool // nil = use mode default, true/false = override

	// TTL options (only used by Set, ignored by Get)
	L1TTL time.Duration // TTL for L1 (0 = use default)
	L2TTL time.Duration // TTL for L2 (0 = use default)
}

// This function takes the per-call options and makes sure both layers end up with a valid duration
func (o CacheOptions) normalize(defaultL1, defaultL2 time.Duration) (time.Duration, time.Duration) {
	l1 := o.L1TTL
	if l1 <= 0 {
		l1 = defaultL1
	}
	l2 := o.L2TTL
	if l2 <= 0 {
		l2 = defaultL2
	}
	return l1, l2
}

// BoolPtr returns a pointer to a bool value.
// Helper function for setting TargetL1 and TargetL2 options.
func BoolPtr(b bool) *bool {
	return &b
}
