package cache_manager

import (
	"net/url"

	"go.uber.org/zap"
)

// MaxKeyLength is the longest key handed to a cache level.
const MaxKeyLength = 250

// sanitizeKey query-escapes key so it is safe for every level and cuts it to
// MaxKeyLength. Distinct long keys sharing a prefix collide after the cut.
func sanitizeKey(logger *zap.Logger, key string) string {
	k := url.QueryEscape(key)
	if len(k) > MaxKeyLength {
		logger.Warn("cache key too long, truncating",
			zap.String("key", key),
			zap.Int("length", len(k)))
		k = k[:MaxKeyLength]
	}
	return k
}
