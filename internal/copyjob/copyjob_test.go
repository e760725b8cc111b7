package copyjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/uringsync/internal/pool"
	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
)

// newTestResources builds a Resources bundle with real buffer/pipe pools
// but no live ring — tests drive Advance with synthetic completions
// instead of a real kernel ring, since a unit test cannot submit and
// reap real io_uring I/O.
func newTestResources(t *testing.T, useSplice bool) *Resources {
	t.Helper()
	bufs := pool.NewBufferPool(4, 64*1024)
	pipes, err := pool.NewPipePool(4, 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { pipes.Close() })

	return &Resources{
		Ring:      &ring.Ring{}, // zero Ring: verbs only queue the prepared requests; tests never call Submit
		Bufs:      bufs,
		Pipes:     pipes,
		ChunkSize: 4096,
		UseSplice: useSplice,
		Stats:     stats.NewCollector(),
	}
}

func newStartedJob(t *testing.T, res *Resources) *Job {
	t.Helper()
	j := New(scan.WorkItem{SrcPath: "/src/f", DstPath: "/dst/f"})
	j.State = OpeningSrc
	if res.UseSplice {
		idx, slot, ok := res.Pipes.Acquire()
		require.True(t, ok)
		j.pipeIdx, j.pipeSlot, j.pipeLoaned, j.usePipe = idx, slot, true, true
	} else {
		idx, buf, ok := res.Bufs.Acquire()
		require.True(t, ok)
		j.bufIdx, j.buf, j.bufLoaned = idx, buf, true
	}
	return j
}

// driveOpenAndStat pushes a job from OPENING_SRC through STATING into
// OPENING_DST, as if the ring had returned fd=3 then a statx of the
// given size.
func driveOpenAndStat(j *Job, res *Resources, size uint64) {
	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 3})
	j.statxBuf.Size = size
	j.statxBuf.Mode = 0o100644
	j.Advance(res, ring.Completion{Op: ring.OpStatAt, Res: 0})
}

func TestZeroSizeFileFastPath(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)

	driveOpenAndStat(j, res, 0)
	assert.Equal(t, OpeningDst, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 4})
	assert.Equal(t, ClosingSrc, j.State, "zero-size file should skip straight to CLOSING_SRC")

	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	assert.Equal(t, ClosingDst, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	assert.Equal(t, Done, j.State)
	assert.True(t, j.released)
}

func TestFullReadWriteCycleReachesDone(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)

	driveOpenAndStat(j, res, 10)
	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 4})
	require.Equal(t, Reading, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpRead, Res: 10})
	require.Equal(t, Writing, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpWrite, Res: 10})
	assert.Equal(t, ClosingSrc, j.State)
	assert.Equal(t, uint64(10), j.position)

	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	assert.Equal(t, Done, j.State)
	assert.Equal(t, int64(1), res.Stats.Snapshot().FilesCompleted)
}

func TestShortWriteResubmitsRemainder(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)

	driveOpenAndStat(j, res, 10)
	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 4})
	j.Advance(res, ring.Completion{Op: ring.OpRead, Res: 10})
	require.Equal(t, Writing, j.State)
	require.EqualValues(t, 10, j.lastN)

	// Short write: only 4 of 10 bytes land.
	j.Advance(res, ring.Completion{Op: ring.OpWrite, Res: 4})
	assert.Equal(t, Writing, j.State, "short write must stay in WRITING to resubmit")
	assert.Equal(t, uint64(4), j.position)
	assert.EqualValues(t, 6, j.lastN)

	// Remainder completes fully.
	j.Advance(res, ring.Completion{Op: ring.OpWrite, Res: 6})
	assert.Equal(t, ClosingSrc, j.State)
	assert.Equal(t, uint64(10), j.position)
}

func TestUnexpectedZeroReadFails(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)

	driveOpenAndStat(j, res, 10)
	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 4})
	require.Equal(t, Reading, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpRead, Res: 0})
	assert.Equal(t, Failed, j.State)
	require.Error(t, j.Err)
	assert.True(t, j.released, "a failed job must release its loan")
	assert.Equal(t, int64(1), res.Stats.Snapshot().FilesFailed)
}

func TestReleaseIsIdempotentOnDoubleFail(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)
	bufIdx := j.bufIdx

	j.fail(res, assertErr{})
	assert.True(t, j.released)
	_, _, ok := res.Bufs.Acquire()
	require.True(t, ok, "pool slot must be free after one release")
	res.Bufs.Release(bufIdx) // restore for second fail

	// A second fail() call must not double-release the already-freed slot.
	j.fail(res, assertErr{})
	assert.Equal(t, int64(2), res.Stats.Snapshot().FilesFailed)
}

func TestSpliceCycleReachesDone(t *testing.T) {
	res := newTestResources(t, true)
	j := newStartedJob(t, res)
	require.True(t, j.usePipe)

	driveOpenAndStat(j, res, 8)
	j.Advance(res, ring.Completion{Op: ring.OpOpenAt, Res: 4})
	require.Equal(t, SpliceIn, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpSplice, Res: 8})
	require.Equal(t, SpliceOut, j.State)

	j.Advance(res, ring.Completion{Op: ring.OpSplice, Res: 8})
	assert.Equal(t, ClosingSrc, j.State)
	assert.Equal(t, uint64(8), j.position)

	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	j.Advance(res, ring.Completion{Op: ring.OpClose, Res: 0})
	assert.Equal(t, Done, j.State)
	assert.True(t, j.pipeLoaned)
	assert.False(t, j.bufLoaned)
}

func TestCancelledCompletionIsSwallowed(t *testing.T) {
	res := newTestResources(t, false)
	j := newStartedJob(t, res)
	j.State = Writing

	j.Advance(res, ring.Completion{Op: ring.OpWrite, Res: -125})
	assert.Equal(t, Writing, j.State, "a cancellation completion must not change state")
	assert.NotEqual(t, Failed, j.State)
}

type assertErr struct{}

func (assertErr) Error() string { return "synthetic test failure" }
