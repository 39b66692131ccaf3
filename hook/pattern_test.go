package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	t.Parallel()

	p, err := ParsePattern("  E8 ?? ?? ?? ??   48 8b D8 39 78 ? ")
	require.NoError(t, err)
	assert.Equal(t, "E8 ?? ?? ?? ?? 48 8B D8 39 78 ??", p.String())
	assert.Equal(t, 11, p.Len())
}

func TestParsePatternInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "   ", "?? ??", "E8 ZZ", "E8 123", "E"} {
		_, err := ParsePattern(s)
		assert.ErrorIs(t, err, ErrInvalidPattern, "pattern %q", s)
	}
}

func TestPatternScan(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x90, 0xe8, 0x01, 0x02, 0x03, 0x04, 0x48, 0x8b,
		0xe8, 0xaa, 0xbb, 0xcc, 0xdd, 0x48, 0x8b, 0x90,
	}
	p := MustParsePattern("E8 ?? ?? ?? ?? 48 8B")
	assert.Equal(t, []int{1, 8}, p.Scan(data))

	_, err := p.FindUnique(data)
	require.ErrorIs(t, err, ErrPatternAmbiguous)
}

func TestPatternLeadingWildcard(t *testing.T) {
	t.Parallel()

	data := []byte{0x00, 0x11, 0xbd, 0x04, 0xef, 0xfe, 0x22}
	p := MustParsePattern("?? BD 04 EF FE")
	off, err := p.FindUnique(data)
	require.NoError(t, err)
	assert.Equal(t, 1, off)
}

func TestPatternNotFound(t *testing.T) {
	t.Parallel()

	p := MustParsePattern("DE AD BE EF")
	_, err := p.FindUnique([]byte{0xde, 0xad, 0xbe})
	require.ErrorIs(t, err, ErrPatternNotFound)
	assert.Empty(t, p.Scan(nil))
}

func TestPatternMatchAtEnd(t *testing.T) {
	t.Parallel()

	p := MustParsePattern("BE EF")
	assert.Equal(t, []int{2}, p.Scan([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestMustParsePatternPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { MustParsePattern("nope") })
}
