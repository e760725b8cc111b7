//go:build linux

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipePoolAcquireRelease(t *testing.T) {
	pp, err := NewPipePool(2, 65536)
	require.NoError(t, err)
	defer pp.Close()

	idx0, slot0, ok := pp.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, slot0.ReadFd, slot0.WriteFd)

	idx1, _, ok := pp.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, idx0, idx1)

	_, _, ok = pp.Acquire()
	assert.False(t, ok, "pool of 2 should be exhausted after 2 acquires")

	pp.Release(idx0)
	idx, _, ok := pp.Acquire()
	require.True(t, ok)
	assert.Equal(t, idx0, idx)
}

func TestPipePoolCapacityTuned(t *testing.T) {
	const capacity = 128 * 1024
	pp, err := NewPipePool(1, capacity)
	require.NoError(t, err)
	defer pp.Close()

	_, slot, ok := pp.Acquire()
	require.True(t, ok)

	got, err := unix.FcntlInt(uintptr(slot.ReadFd), unix.F_GETPIPE_SZ, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, capacity, "kernel may round up but never down")
}
