package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, alignment, want int64
	}{
		{0, 0x800, 0},
		{1, 0x800, 0x800},
		{0x7ff, 0x800, 0x800},
		{0x800, 0x800, 0x800},
		{0x801, 0x800, 0x1000},
		{10, 0, 10},
		{10, 1, 10},
		{10, 3, 12},
	}
	for _, tt := range tests {
		got, ok := AlignUp(tt.n, tt.alignment)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "AlignUp(%d, %d)", tt.n, tt.alignment)
	}
}

func TestAlignUpOverflow(t *testing.T) {
	t.Parallel()

	_, ok := AlignUp(math.MaxInt64-1, 0x800)
	assert.False(t, ok)
}

func TestAddInt64(t *testing.T) {
	t.Parallel()

	sum, ok := AddInt64(2, 3)
	require.True(t, ok)
	assert.Equal(t, int64(5), sum)

	_, ok = AddInt64(math.MaxInt64, 1)
	assert.False(t, ok)

	_, ok = AddInt64(-1, 1)
	assert.False(t, ok)
}
