package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/uringsync/internal/queue"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
	"github.com/bamsammich/uringsync/internal/worker"
)

func TestNewRejectsNonPositiveQueueDepth(t *testing.T) {
	_, err := worker.New(worker.Config{QueueDepth: 0, ChunkSize: 4096}, queue.New())
	require.Error(t, err)
}

func TestEngineCopiesQueuedFiles(t *testing.T) {
	collector := stats.NewCollector()
	q := queue.New()

	e, err := worker.New(worker.Config{
		QueueDepth: 4,
		ChunkSize:  64 * 1024,
		Stats:      collector,
	}, q)
	if err != nil {
		t.Skip("io_uring not available on this kernel")
	}
	defer e.Close()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dst"), 0o755))

	contents := [][]byte{[]byte("hello"), []byte("world!"), {}}
	var items []scan.WorkItem
	for i, content := range contents {
		src := filepath.Join(dir, "src", string(rune('a'+i)))
		dst := filepath.Join(dir, "dst", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
		require.NoError(t, os.WriteFile(src, content, 0o644))
		items = append(items, scan.WorkItem{SrcPath: src, DstPath: dst, Size: int64(len(content))})
	}

	for _, it := range items {
		collector.AddFilesTotal(1)
		q.Push(it)
	}
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	snap := collector.Snapshot()
	assert.Equal(t, int64(3), snap.FilesCompleted)
	assert.Equal(t, int64(0), snap.FilesFailed)

	for i, content := range contents {
		got, err := os.ReadFile(items[i].DstPath)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestEngineDrainsMoreItemsThanQueueDepth(t *testing.T) {
	collector := stats.NewCollector()
	q := queue.New()

	// QueueDepth 1 allows only one job in flight at a time, so the second
	// item waits in the queue until the first job frees its buffer. The
	// admit loop stops at QueueDepth before acquiring a loan, so the
	// requeue-to-front path is not reached; this asserts the engine
	// reuses its resources and drains both items without deadlock.
	e, err := worker.New(worker.Config{QueueDepth: 1, ChunkSize: 4096, Stats: collector}, q)
	if err != nil {
		t.Skip("io_uring not available on this kernel")
	}
	defer e.Close()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dst"), 0o755))
	for _, name := range []string{"x", "y"} {
		src := filepath.Join(dir, "src_"+name)
		require.NoError(t, os.WriteFile(src, []byte(name), 0o644))
		q.Push(scan.WorkItem{SrcPath: src, DstPath: filepath.Join(dir, "dst", name), Size: 1})
		collector.AddFilesTotal(1)
	}
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, int64(2), collector.Snapshot().FilesCompleted)
}
