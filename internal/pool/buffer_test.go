package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	bp := NewBufferPool(4, 1024)
	require.Equal(t, 4, bp.Count())

	var idxs []int
	for i := 0; i < 4; i++ {
		idx, buf, ok := bp.Acquire()
		require.True(t, ok)
		assert.GreaterOrEqual(t, len(buf), 1024)
		idxs = append(idxs, idx)
	}

	// Pool exhausted.
	_, _, ok := bp.Acquire()
	assert.False(t, ok)

	// Release one, re-acquire succeeds.
	bp.Release(idxs[0])
	idx, _, ok := bp.Acquire()
	require.True(t, ok)
	assert.Equal(t, idxs[0], idx)
}

func TestBufferPoolReleaseToleratesInvalidIndex(t *testing.T) {
	bp := NewBufferPool(2, 64)
	bp.Release(-1)
	bp.Release(999)
	bp.Release(0)
	bp.Release(0) // repeated release is a no-op, not a panic
	idx, _, ok := bp.Acquire()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestBufferPoolSizeRoundedToPage(t *testing.T) {
	bp := NewBufferPool(1, 100)
	_, buf, ok := bp.Acquire()
	require.True(t, ok)
	assert.Equal(t, pageSize, len(buf))
}
