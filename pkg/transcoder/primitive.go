package transcoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding"
)

// Char is a single character value. It has its own type because rune is an
// alias of int32 and would otherwise be indistinguishable from KindInt.
type Char rune

var jsonNumber = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// LooksLikeJSON reports whether s already looks like a serialized JSON
// document. Such strings are stored as-is and never compressed.
func LooksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch {
	case s[0] == '{', s[0] == '[':
		return true
	case s == "true", s == "false", s == "null":
		return true
	}
	return jsonNumber.MatchString(s)
}

// primitiveCodec encodes the fast-path types. It holds no mutable state.
type primitiveCodec struct {
	charset encoding.Encoding
}

// encode returns ok=false when v has no fast path. v must not be a nil pointer.
func (c primitiveCodec) encode(v any) (kind Kind, b []byte, ok bool, err error) {
	switch v := v.(type) {
	case string:
		b, err = c.encodeString(v)
		return KindString, b, true, err
	case *bytes.Buffer:
		b, err = c.encodeString(v.String())
		return KindStringBuffer, b, true, err
	case *strings.Builder:
		b, err = c.encodeString(v.String())
		return KindStringBuilder, b, true, err
	case int64:
		return KindLong, encodeLong(v), true, nil
	case int32:
		return KindInt, encodeInt(v), true, nil
	case int16:
		return KindShort, encodeInt(int32(v)), true, nil
	case bool:
		if v {
			return KindBoolean, []byte{1}, true, nil
		}
		return KindBoolean, []byte{0}, true, nil
	case time.Time:
		return KindDate, encodeLong(v.UnixMilli()), true, nil
	case int8:
		return KindByte, []byte{byte(v)}, true, nil
	case float32:
		return KindFloat, encodeInt(int32(math.Float32bits(v))), true, nil
	case float64:
		return KindDouble, encodeLong(int64(math.Float64bits(v))), true, nil
	case []byte:
		return KindByteArray, v, true, nil
	case Char:
		return KindChar, encodeInt(int32(v)), true, nil
	}
	return KindUnknown, nil, false, nil
}

// fixedWidth reports whether kind always occupies a fixed number of bytes.
func (k Kind) fixedWidth() bool {
	switch k {
	case KindBoolean, KindByte, KindShort, KindInt, KindChar, KindFloat,
		KindLong, KindDouble, KindDate:
		return true
	}
	return false
}

func (c primitiveCodec) decode(kind Kind, b []byte) (any, error) {
	switch kind {
	case KindBoolean:
		if err := expectLen(kind, b, 1); err != nil {
			return nil, err
		}
		return b[0] == 1, nil
	case KindByte:
		if err := expectLen(kind, b, 1); err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case KindShort:
		n, err := decodeInt(kind, b)
		return int16(n), err
	case KindInt:
		return decodeInt(kind, b)
	case KindChar:
		n, err := decodeInt(kind, b)
		return Char(n), err
	case KindFloat:
		n, err := decodeInt(kind, b)
		return math.Float32frombits(uint32(n)), err
	case KindLong:
		return decodeLong(kind, b)
	case KindDouble:
		n, err := decodeLong(kind, b)
		return math.Float64frombits(uint64(n)), err
	case KindDate:
		n, err := decodeLong(kind, b)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(n), nil
	case KindByteArray:
		return b, nil
	case KindString:
		return c.decodeString(b)
	case KindStringBuffer:
		s, err := c.decodeString(b)
		if err != nil {
			return nil, err
		}
		return bytes.NewBufferString(s), nil
	case KindStringBuilder:
		s, err := c.decodeString(b)
		if err != nil {
			return nil, err
		}
		sb := new(strings.Builder)
		sb.WriteString(s)
		return sb, nil
	}
	return nil, fmt.Errorf("%w: %s is not a fast-path kind", ErrFormat, kind)
}

func (c primitiveCodec) encodeString(s string) ([]byte, error) {
	if c.charset == nil {
		return []byte(s), nil
	}
	b, err := c.charset.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: charset: %w", ErrUnsupportedValue, err)
	}
	return b, nil
}

func (c primitiveCodec) decodeString(b []byte) (string, error) {
	if c.charset == nil {
		return string(b), nil
	}
	out, err := c.charset.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: charset: %w", ErrFormat, err)
	}
	return string(out), nil
}

func encodeInt(n int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func encodeLong(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt(kind Kind, b []byte) (int32, error) {
	if err := expectLen(kind, b, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func decodeLong(kind Kind, b []byte) (int64, error) {
	if err := expectLen(kind, b, 8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func expectLen(kind Kind, b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrFormat, kind, len(b), n)
	}
	return nil
}
