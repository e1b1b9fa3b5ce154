package transcoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseComposeEveryKindAndCompression(t *testing.T) {
	t.Parallel()

	for k := KindBoolean; k <= KindGenericOptimized; k++ {
		for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionSnappy} {
			f := Compose(k, c)
			kind, compression, err := Parse(f)
			require.NoError(t, err)
			require.Equal(t, k, kind, "flags %#x", uint32(f))
			require.Equal(t, c, compression, "flags %#x", uint32(f))

			if k.IsGeneric() {
				require.True(t, IsGenericStrategy(f))
				require.False(t, IsTypeTag(f))
			} else {
				require.True(t, IsTypeTag(f))
				require.False(t, IsGenericStrategy(f))
			}
		}
	}
}

func TestFlagGroupsAreDisjoint(t *testing.T) {
	t.Parallel()

	require.Zero(t, TypeTagMask&StrategyMask)
	require.Zero(t, TypeTagMask&ModifierMask)
	require.Zero(t, StrategyMask&ModifierMask)

	seen := map[Flags]Kind{}
	for k := KindBoolean; k <= KindGenericOptimized; k++ {
		f := k.Flag()
		require.NotZero(t, f)
		_, dup := seen[f]
		require.False(t, dup, "%s reuses bit %#x", k, uint32(f))
		seen[f] = k
	}
}

func TestParseRejectsAmbiguousFlags(t *testing.T) {
	t.Parallel()

	cases := map[string]Flags{
		"two type tags":            FlagInt | FlagLong,
		"type tag and strategy":    FlagString | FlagOptimized,
		"both strategies":          FlagSerialized | FlagOptimized,
		"both compression codecs":  FlagByteArray | FlagGzip | FlagSnappy,
		"both codecs without base": FlagGzip | FlagSnappy,
	}
	for name, f := range cases {
		_, _, err := Parse(f)
		require.ErrorIs(t, err, ErrFormat, name)
	}
}

func TestParseWithoutBaseBitIsUnknown(t *testing.T) {
	t.Parallel()

	for _, f := range []Flags{0, FlagGzip, 1 << 20} {
		kind, _, err := Parse(f)
		require.NoError(t, err)
		require.Equal(t, KindUnknown, kind)
	}
}

func TestParseWithForeignBitsIsUnknown(t *testing.T) {
	t.Parallel()

	for _, f := range []Flags{FlagInt | 1<<20, FlagOptimized | FlagSnappy | 1<<31, FlagString | 1<<17} {
		kind, _, err := Parse(f)
		require.NoError(t, err, "flags %#x", uint32(f))
		require.Equal(t, KindUnknown, kind, "flags %#x", uint32(f))
	}
	require.Equal(t, "unknown", Describe(FlagInt|1<<20))
}

func TestHasModifier(t *testing.T) {
	t.Parallel()

	f := FlagOptimized | FlagSnappy
	require.True(t, HasModifier(f, FlagSnappy))
	require.False(t, HasModifier(f, FlagGzip))
	require.False(t, HasModifier(f, FlagOptimized), "base bits are not modifiers")
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	require.Equal(t, "int", Describe(FlagInt))
	require.Equal(t, "generic-optimized+snappy", Describe(FlagOptimized|FlagSnappy))
	require.Equal(t, "unknown", Describe(0))
	require.Equal(t, "invalid(0x4004)", Describe(FlagInt|FlagLong))
}
