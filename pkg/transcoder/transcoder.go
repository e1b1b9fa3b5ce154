// Package transcoder converts in-memory values to self-describing cache
// payloads and back. Well-known scalar types are written directly; anything
// else goes through a generic serializer. Large payloads are compressed when
// that makes them smaller. The flags word alone determines how to read a
// payload back.
package transcoder

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// CachedData is one encoded payload. It is treated as immutable.
type CachedData struct {
	Flags   Flags
	Data    []byte
	MaxSize int
}

// Transcoder encodes and decodes cache payloads. It is safe for concurrent
// use; callers that want a dedicated optimized backend per worker can hold a
// Session instead.
type Transcoder struct {
	strategy   Strategy
	primitive  primitiveCodec
	compressor compressor
	classic    *Classic
	registry   *Registry
	maxSize    int
	logger     *zap.Logger
	sessions   sync.Pool
}

// New builds a Transcoder from opts.
func New(opts Options) *Transcoder {
	opts.defaults()

	codec := Gzip
	if opts.Compression == CompressionSnappy {
		codec = Snappy
	}
	t := &Transcoder{
		strategy:  opts.Strategy,
		primitive: primitiveCodec{charset: opts.Charset},
		compressor: compressor{
			codec:     codec,
			threshold: opts.CompressionThreshold,
			logger:    opts.Logger,
		},
		classic:  &Classic{Resolver: opts.TypeResolver, Registry: opts.Registry},
		registry: opts.Registry,
		maxSize:  opts.MaxSize,
		logger:   opts.Logger,
	}
	t.sessions.New = func() any { return t.NewSession() }
	return t
}

// MaxSize is the payload ceiling recorded on every CachedData.
func (t *Transcoder) MaxSize() int { return t.maxSize }

// Registry returns the optimized backend's type registry.
func (t *Transcoder) Registry() *Registry { return t.registry }

// Encode encodes v using a pooled Session.
func (t *Transcoder) Encode(v any) (CachedData, error) {
	s := t.sessions.Get().(*Session)
	defer t.sessions.Put(s)
	return s.Encode(v)
}

// Decode decodes d using a pooled Session.
func (t *Transcoder) Decode(d CachedData) (any, error) {
	s := t.sessions.Get().(*Session)
	defer t.sessions.Put(s)
	return s.Decode(d)
}

// NewSession returns a Session bound to t. The optimized backend it owns is
// built on first use.
func (t *Transcoder) NewSession() *Session {
	return &Session{t: t}
}

// Session is the per-worker view of a Transcoder. It must not be used from
// more than one goroutine at a time.
type Session struct {
	t         *Transcoder
	optimized *Optimized
}

func (s *Session) backend(kind Kind) Backend {
	if kind != KindGenericOptimized {
		return s.t.classic
	}
	if s.optimized == nil {
		s.optimized = NewOptimized(s.t.registry)
	}
	return s.optimized
}

func (s *Session) strategyBackend() Backend {
	if s.t.strategy == StrategyOptimized {
		return s.backend(KindGenericOptimized)
	}
	return s.backend(KindGenericClassic)
}

// Encode converts v into a payload. It fails only for nil values and
// values no backend can serialize.
func (s *Session) Encode(v any) (CachedData, error) {
	t := s.t
	if isNil(v) {
		return CachedData{}, ErrNilValue
	}

	kind, b, ok, err := t.primitive.encode(v)
	if err != nil {
		return CachedData{}, err
	}
	if ok && kind == KindString && LooksLikeJSON(v.(string)) {
		return t.payload(kind.Flag(), b), nil
	}
	if !ok {
		backend := s.strategyBackend()
		kind = backend.Kind()
		b, err = backend.Marshal(v)
		if err != nil {
			return CachedData{}, fmt.Errorf("%w: %T: %w", ErrUnsupportedValue, v, err)
		}
	}

	b, flags := t.compressor.apply(b, kind.Flag())
	return t.payload(flags, b), nil
}

// Decode reverses Encode. A nil value with a nil error means the payload
// is absent or could not be resolved and must be treated as a cache miss.
// An empty payload under a fixed-width type tag is also absent. Malformed
// flags, malformed fast-path bytes and undecompressable payloads, including
// ones that inflate past the configured MaxSize, are returned as errors.
func (s *Session) Decode(d CachedData) (any, error) {
	if d.Data == nil {
		return nil, nil
	}
	kind, compression, err := Parse(d.Flags)
	if err != nil {
		return nil, err
	}

	data := d.Data
	if compression != CompressionNone {
		data, err = decompress(compression, data, s.t.maxSize)
		if err != nil {
			s.t.logger.Error("stored payload does not match its compression flag",
				zap.String("flags", Describe(d.Flags)),
				zap.Int("size", len(d.Data)),
				zap.Error(err))
			return nil, err
		}
	}

	switch {
	case kind == KindUnknown:
		return nil, nil
	case len(data) == 0 && kind.fixedWidth():
		return nil, nil
	case kind.IsGeneric():
		v, err := s.backend(kind).Unmarshal(data)
		if err != nil {
			s.t.logDecodeFailure(kind, err)
			return nil, nil
		}
		return v, nil
	}

	v, err := s.t.primitive.decode(kind, data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *Transcoder) payload(f Flags, b []byte) CachedData {
	if b == nil {
		b = []byte{}
	}
	return CachedData{Flags: f, Data: b, MaxSize: t.maxSize}
}

func (t *Transcoder) logDecodeFailure(kind Kind, err error) {
	if errors.Is(err, ErrIncompatibleType) {
		t.logger.Warn("stored and local type incompatible",
			zap.Stringer("kind", kind),
			zap.Error(err))
		return
	}
	t.logger.Error("generic deserialization failed",
		zap.Stringer("kind", kind),
		zap.Error(err))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
