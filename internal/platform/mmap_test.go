package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "game.exe")
	want := []byte{0x4d, 0x5a, 0x90, 0x00, 0xe8, 0x01, 0x02}
	require.NoError(t, os.WriteFile(path, want, 0o644))

	data, release, err := MapFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, data)
	require.NoError(t, release())
}

func TestMapFileEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.exe")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	data, release, err := MapFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, release())
}

func TestMapFileMissing(t *testing.T) {
	t.Parallel()

	_, _, err := MapFile(filepath.Join(t.TempDir(), "missing.exe"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
