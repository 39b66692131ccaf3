package emulate

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFile(t *testing.T) {
	t.Parallel()

	src := []byte("abcdef")
	f := newMemFile(src)
	src[0] = 'X'
	assert.Equal(t, int64(6), f.Size())
	assert.Regexp(t, `^mem:[0-9a-f]{16}$`, f.SourceID())

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]), "contents are copied")

	n, err = f.ReadAt(buf, 4)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ef", string(buf[:n]))

	_, err = f.ReadAt(buf, 6)
	require.ErrorIs(t, err, io.EOF)

	_, err = f.ReadAt(buf, -1)
	require.Error(t, err)
}

func TestVersions(t *testing.T) {
	t.Parallel()

	for _, v := range []TocVersion{TocNone, TocInitial, TocDirectoryIndex, TocPartitionSize, TocPerfectHash} {
		got, ok := ParseTocVersion(v.String())
		require.True(t, ok, v.String())
		assert.Equal(t, v, got)
	}
	for v := PakUnknown; v <= PakFn64BugFix; v++ {
		got, ok := ParsePakVersion(v.String())
		require.True(t, ok, v.String())
		assert.Equal(t, v, got)
	}

	assert.Equal(t, "toc(9)", TocVersion(9).String())
	assert.Equal(t, "pak(42)", PakVersion(42).String())
	_, ok := ParseTocVersion("bogus")
	assert.False(t, ok)

	assert.Equal(t, uint8(8), uint8(PakFrozenIndex))
	assert.Equal(t, uint8(4), uint8(TocPerfectHash))
	assert.Equal(t, "FrozenIndex.pak", PakFrozenIndex.placeholderName())
	assert.Equal(t, "Fn64BugFix.pak", PakFn64BugFix.placeholderName())
}
