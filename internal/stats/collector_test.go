package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				c.AddFilesTotal(1)
				c.AddFilesCompleted(1)
				c.AddFilesFailed(1)
				c.AddBytesCopied(256)
				c.AddBytesTotal(256)
				c.AddDirsCreated(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.FilesTotal)
	assert.Equal(t, expected, s.FilesCompleted)
	assert.Equal(t, expected, s.FilesFailed)
	assert.Equal(t, expected*256, s.BytesCopied)
	assert.Equal(t, expected*256, s.BytesTotal)
	assert.Equal(t, expected, s.DirsCreated)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		FilesTotal:     10,
		FilesCompleted: 8,
		FilesFailed:    1,
		BytesCopied:    4096,
		BytesTotal:     8192,
		DirsCreated:    3,
	}
	assert.Contains(t, s.String(), "total=10")
	assert.Contains(t, s.String(), "completed=8")
	assert.Contains(t, s.String(), "failed=1")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 5; i++ {
		c.AddBytesCopied(1000)
		c.Tick()
	}

	speed := c.RollingSpeed(5)
	assert.InDelta(t, 1000.0, speed, 0.01)
}

func TestRollingSpeedPartialWindow(t *testing.T) {
	c := NewCollector()

	c.AddBytesCopied(500)
	c.Tick()
	c.AddBytesCopied(500)
	c.Tick()

	speed := c.RollingSpeed(10)
	assert.InDelta(t, 500.0, speed, 0.01)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.RollingSpeed(5))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()

	for i := 0; i < ringSize+10; i++ {
		c.AddBytesCopied(int64(i + 1))
		c.Tick()
	}

	speed := c.RollingSpeed(ringSize)
	assert.Greater(t, speed, 0.0)
}

func TestSnapshotIncludesElapsed(t *testing.T) {
	c := NewCollector()
	time.Sleep(10 * time.Millisecond)
	s := c.Snapshot()
	assert.Greater(t, s.Elapsed, time.Duration(0))
}

func TestSnapshotDoneAndExitFailed(t *testing.T) {
	s := Snapshot{FilesTotal: 3, FilesCompleted: 2, FilesFailed: 1}
	assert.True(t, s.Done())
	assert.True(t, s.ExitFailed())

	s2 := Snapshot{FilesTotal: 3, FilesCompleted: 3}
	assert.True(t, s2.Done())
	assert.False(t, s2.ExitFailed())

	s3 := Snapshot{FilesTotal: 3, FilesCompleted: 1}
	assert.False(t, s3.Done())
}
