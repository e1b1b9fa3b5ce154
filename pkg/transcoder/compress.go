package transcoder

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Default activation thresholds in bytes. Payloads must be strictly larger
// than the threshold before compression is attempted.
const (
	GzipThreshold   = 30720
	SnappyThreshold = 1024
)

// Codec is a pair of streaming compression adapters.
type Codec interface {
	Compression() Compression
	NewWriter(w io.Writer) io.WriteCloser
	NewReader(r io.Reader) (io.ReadCloser, error)
}

type gzipCodec struct{}

func (gzipCodec) Compression() Compression { return CompressionGzip }

func (gzipCodec) NewWriter(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

type snappyCodec struct{}

func (snappyCodec) Compression() Compression { return CompressionSnappy }

func (snappyCodec) NewWriter(w io.Writer) io.WriteCloser { return snappy.NewBufferedWriter(w) }

func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

// Gzip and Snappy are the built-in codecs.
var (
	Gzip   Codec = gzipCodec{}
	Snappy Codec = snappyCodec{}
)

func codecFor(c Compression) (Codec, error) {
	switch c {
	case CompressionGzip:
		return Gzip, nil
	case CompressionSnappy:
		return Snappy, nil
	}
	return nil, fmt.Errorf("%w: no codec for compression %s", ErrFormat, c)
}

// compressor applies one codec above a size threshold and keeps the result
// only when it is strictly smaller than the input.
type compressor struct {
	codec     Codec
	threshold int
	logger    *zap.Logger
}

func (c compressor) apply(b []byte, f Flags) ([]byte, Flags) {
	if len(b) <= c.threshold {
		return b, f
	}
	candidate, err := compress(c.codec, b)
	if err != nil {
		c.logger.Warn("compression failed, storing uncompressed",
			zap.Stringer("codec", c.codec.Compression()),
			zap.Int("size", len(b)),
			zap.Error(err))
		return b, f
	}
	if len(candidate) >= len(b) {
		return b, f
	}
	return candidate, f | c.codec.Compression().Flag()
}

func compress(codec Codec, in []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(in) / 2)
	w := codec.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress inflates in, refusing to produce more than limit bytes.
func decompress(c Compression, in []byte, limit int) ([]byte, error) {
	codec, err := codecFor(c)
	if err != nil {
		return nil, err
	}
	r, err := codec.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompress, c, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: %s: inflates past %d bytes", ErrDecompress, c, limit)
	}
	return out, nil
}
