// Package stats tracks run-wide statistics with lock-free atomic
// counters (spec §4.10/§3, component C5). Producers (C7/C8/C11/C12)
// update with atomic fetch-add; readers take a point-in-time Snapshot
// for display. No field is ever decremented.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector aggregates counters across every worker/connection in a run.
type Collector struct {
	filesTotal     atomic.Int64
	filesCompleted atomic.Int64
	filesFailed    atomic.Int64
	bytesTotal     atomic.Int64
	bytesCopied    atomic.Int64
	dirsCreated    atomic.Int64
	startTime      time.Time

	// Ring buffer of per-Tick throughput samples. Written only by
	// Tick(); never touched by workers, so it needs its own mutex
	// rather than atomics.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector returns a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddFilesTotal records n more files discovered by the scanner.
func (c *Collector) AddFilesTotal(n int64) { c.filesTotal.Add(n) }

// AddBytesTotal records n more bytes of source data discovered.
func (c *Collector) AddBytesTotal(n int64) { c.bytesTotal.Add(n) }

// AddFilesCompleted records n files that reached DONE.
func (c *Collector) AddFilesCompleted(n int64) { c.filesCompleted.Add(n) }

// AddFilesFailed records n files that reached FAILED.
func (c *Collector) AddFilesFailed(n int64) { c.filesFailed.Add(n) }

// AddBytesCopied records n more bytes written to a destination.
func (c *Collector) AddBytesCopied(n int64) { c.bytesCopied.Add(n) }

// AddDirsCreated records n more destination directories created.
func (c *Collector) AddDirsCreated(n int64) { c.dirsCreated.Add(n) }

// Snapshot is a point-in-time read of every counter. Fields may not be
// simultaneously consistent (spec §4.10): a reader may observe
// FilesCompleted advance before BytesCopied catches up.
type Snapshot struct {
	FilesTotal     int64
	FilesCompleted int64
	FilesFailed    int64
	BytesTotal     int64
	BytesCopied    int64
	DirsCreated    int64
	Elapsed        time.Duration
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesTotal:     c.filesTotal.Load(),
		FilesCompleted: c.filesCompleted.Load(),
		FilesFailed:    c.filesFailed.Load(),
		BytesTotal:     c.bytesTotal.Load(),
		BytesCopied:    c.bytesCopied.Load(),
		DirsCreated:    c.dirsCreated.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// Tick samples the byte-delta since the last Tick into the rolling
// window. RollingSpeed reads each sample as one second, so its result
// is bytes/sec only when Tick runs once a second; cmd/uringsync does
// not call Tick.
func (c *Collector) Tick() {
	current := c.bytesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	delta := current - c.lastBytes
	c.lastBytes = current

	c.throughput[c.ringIdx] = delta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average bytes/sec over the last n seconds of
// Tick samples.
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// Done reports whether every file the scanner discovered has reached a
// terminal state (spec P2: files_completed + files_failed == files_total).
func (s Snapshot) Done() bool {
	return s.FilesCompleted+s.FilesFailed >= s.FilesTotal
}

// ExitFailed reports whether the run should exit nonzero (spec §6/§7:
// "the run exits with failure if files_failed > 0 at the end").
func (s Snapshot) ExitFailed() bool {
	return s.FilesFailed > 0
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"total=%d completed=%d failed=%d bytes=%d/%d dirs=%d elapsed=%s",
		s.FilesTotal, s.FilesCompleted, s.FilesFailed,
		s.BytesCopied, s.BytesTotal, s.DirsCreated, s.Elapsed.Round(time.Millisecond),
	)
}

// FormatBytes renders a human-readable byte count (KiB/MiB/...).
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
