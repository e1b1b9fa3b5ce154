package transcoder

import (
	"fmt"
	"math/bits"
	"strings"
)

// Flags is the integer word stored next to every payload. It names the base
// representation of the bytes and any compression applied on top of it.
type Flags uint32

// Bit values are shared with existing memcached writers and must not change.
const (
	FlagByte          Flags = 1
	FlagGzip          Flags = 2
	FlagInt           Flags = 4
	FlagSerialized    Flags = 8
	FlagChar          Flags = 16
	FlagString        Flags = 32
	FlagStringBuffer  Flags = 64
	FlagFloat         Flags = 128
	FlagShort         Flags = 256
	FlagDouble        Flags = 512
	FlagDate          Flags = 1024
	FlagStringBuilder Flags = 2048
	FlagByteArray     Flags = 4096
	FlagBoolean       Flags = 8192
	FlagLong          Flags = 16384
	FlagOptimized     Flags = 32768
	FlagSnappy        Flags = 65536
)

const (
	// TypeTagMask covers the primitive fast-path type tags.
	TypeTagMask = FlagByte | FlagInt | FlagChar | FlagString | FlagStringBuffer |
		FlagFloat | FlagShort | FlagDouble | FlagDate | FlagStringBuilder |
		FlagByteArray | FlagBoolean | FlagLong
	// StrategyMask covers the generic serializer strategies.
	StrategyMask = FlagSerialized | FlagOptimized
	// ModifierMask covers post-processing transforms.
	ModifierMask = FlagGzip | FlagSnappy

	baseMask  = TypeTagMask | StrategyMask
	knownMask = baseMask | ModifierMask
)

// IsTypeTag reports whether f carries exactly one type tag and no strategy bit.
func IsTypeTag(f Flags) bool {
	return f&StrategyMask == 0 && bits.OnesCount32(uint32(f&TypeTagMask)) == 1
}

// IsGenericStrategy reports whether f carries exactly one strategy bit and no type tag.
func IsGenericStrategy(f Flags) bool {
	return f&TypeTagMask == 0 && bits.OnesCount32(uint32(f&StrategyMask)) == 1
}

// HasModifier reports whether the modifier bit is set in f.
func HasModifier(f Flags, bit Flags) bool {
	return bit&ModifierMask != 0 && f&bit == bit
}

// Kind is the decoded base representation of a payload.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBoolean
	KindByte
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindChar
	KindString
	KindStringBuffer
	KindStringBuilder
	KindDate
	KindByteArray
	KindGenericClassic
	KindGenericOptimized
)

var kindFlags = [...]Flags{
	KindUnknown:          0,
	KindBoolean:          FlagBoolean,
	KindByte:             FlagByte,
	KindShort:            FlagShort,
	KindInt:              FlagInt,
	KindLong:             FlagLong,
	KindFloat:            FlagFloat,
	KindDouble:           FlagDouble,
	KindChar:             FlagChar,
	KindString:           FlagString,
	KindStringBuffer:     FlagStringBuffer,
	KindStringBuilder:    FlagStringBuilder,
	KindDate:             FlagDate,
	KindByteArray:        FlagByteArray,
	KindGenericClassic:   FlagSerialized,
	KindGenericOptimized: FlagOptimized,
}

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindBoolean:          "boolean",
	KindByte:             "byte",
	KindShort:            "short",
	KindInt:              "int",
	KindLong:             "long",
	KindFloat:            "float",
	KindDouble:           "double",
	KindChar:             "char",
	KindString:           "string",
	KindStringBuffer:     "string-buffer",
	KindStringBuilder:    "string-builder",
	KindDate:             "date",
	KindByteArray:        "byte-array",
	KindGenericClassic:   "generic-classic",
	KindGenericOptimized: "generic-optimized",
}

var flagKinds = func() map[Flags]Kind {
	m := make(map[Flags]Kind, len(kindFlags))
	for k, f := range kindFlags {
		if f != 0 {
			m[f] = Kind(k)
		}
	}
	return m
}()

// Flag returns the base bit for k, or zero for KindUnknown.
func (k Kind) Flag() Flags {
	if int(k) >= len(kindFlags) {
		return 0
	}
	return kindFlags[k]
}

// IsGeneric reports whether k is produced by a generic serializer backend.
func (k Kind) IsGeneric() bool {
	return k == KindGenericClassic || k == KindGenericOptimized
}

func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Compression identifies the codec applied to the final bytes.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
)

// Flag returns the modifier bit for c.
func (c Compression) Flag() Flags {
	switch c {
	case CompressionGzip:
		return FlagGzip
	case CompressionSnappy:
		return FlagSnappy
	default:
		return 0
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Parse splits f into its base kind and compression modifier. A word with no
// known base bit, or with any bit this package does not define, parses as
// KindUnknown, which decodes to an absent value.
func Parse(f Flags) (Kind, Compression, error) {
	compression := CompressionNone
	switch f & ModifierMask {
	case 0:
	case FlagGzip:
		compression = CompressionGzip
	case FlagSnappy:
		compression = CompressionSnappy
	default:
		return KindUnknown, CompressionNone, fmt.Errorf("%w: flags %#x set both gzip and snappy", ErrFormat, uint32(f))
	}

	base := f & baseMask
	if base == 0 || f&^knownMask != 0 {
		return KindUnknown, compression, nil
	}
	if bits.OnesCount32(uint32(base)) != 1 {
		return KindUnknown, compression, fmt.Errorf("%w: flags %#x set more than one base representation", ErrFormat, uint32(f))
	}
	return flagKinds[base], compression, nil
}

// Compose is the inverse of Parse.
func Compose(k Kind, c Compression) Flags {
	return k.Flag() | c.Flag()
}

// Describe renders f for diagnostics, e.g. "generic-optimized+snappy".
func Describe(f Flags) string {
	kind, compression, err := Parse(f)
	if err != nil {
		return fmt.Sprintf("invalid(%#x)", uint32(f))
	}
	var b strings.Builder
	b.WriteString(kind.String())
	if compression != CompressionNone {
		b.WriteByte('+')
		b.WriteString(compression.String())
	}
	return b.String()
}
