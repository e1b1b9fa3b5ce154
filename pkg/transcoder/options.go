package transcoder

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

// DefaultMaxSize is the largest payload handed to the cache by default.
const DefaultMaxSize = 20 * 1024 * 1024

// Strategy selects the generic backend used for values without a fast path.
type Strategy uint8

const (
	StrategyClassic Strategy = iota
	StrategyOptimized
)

func (s Strategy) String() string {
	switch s {
	case StrategyClassic:
		return "classic"
	case StrategyOptimized:
		return "optimized"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy accepts "classic" or "optimized".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classic", "gob":
		return StrategyClassic, nil
	case "optimized", "msgpack":
		return StrategyOptimized, nil
	}
	return 0, fmt.Errorf("transcoder: unknown strategy %q", s)
}

// ParseCompression accepts "gzip" or "snappy".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	}
	return 0, fmt.Errorf("transcoder: unknown compression %q", s)
}

// Options configures a Transcoder. The zero value selects the classic
// backend with gzip compression.
type Options struct {
	// Strategy picks the backend for newly written generic values. Reads
	// always follow the strategy recorded in the flags.
	Strategy Strategy
	// Compression is the codec tried on large payloads. Zero means gzip.
	Compression Compression
	// CompressionThreshold overrides the codec's default threshold.
	CompressionThreshold int
	// Charset encodes strings. Nil means UTF-8.
	Charset encoding.Encoding
	// MaxSize is recorded on every payload for the cache transport.
	MaxSize int
	// Registry holds the optimized backend's type IDs. Nil builds a new one.
	Registry *Registry
	// TypeResolver is the fallback for unknown classic type names.
	TypeResolver TypeResolver
	Logger       *zap.Logger
}

// LegacyOptions reproduces the single switch of older deployments, where
// enabling the optimized backend also switched compression to snappy.
func LegacyOptions(optimized bool) Options {
	if optimized {
		return Options{Strategy: StrategyOptimized, Compression: CompressionSnappy}
	}
	return Options{Strategy: StrategyClassic, Compression: CompressionGzip}
}

func (o *Options) defaults() {
	if o.Compression == CompressionNone {
		o.Compression = CompressionGzip
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = GzipThreshold
		if o.Compression == CompressionSnappy {
			o.CompressionThreshold = SnappyThreshold
		}
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
