//go:build linux

package pool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PipeSlot is one borrowed kernel pipe pair used as a splice staging area.
type PipeSlot struct {
	ReadFd  int
	WriteFd int
}

// PipePool is a fixed-count array of kernel pipes, each tuned to a
// capacity equal to the run's chunk size. Pipe capacity below the chunk
// size is a documented anti-pattern (spec §4.2/§9): a splice cannot fill
// the pipe in one step and throughput collapses.
type PipePool struct {
	mu    sync.Mutex
	slots []PipeSlot
	free  []bool
}

// NewPipePool creates n pipes, each set to pipeCapacity bytes via
// F_SETPIPE_SZ.
func NewPipePool(n int, pipeCapacity int) (*PipePool, error) {
	pp := &PipePool{
		slots: make([]PipeSlot, n),
		free:  make([]bool, n),
	}
	for i := 0; i < n; i++ {
		var fds [2]int
		if err := unix.Pipe2(fds[:], 0); err != nil {
			pp.closeAll(i)
			return nil, fmt.Errorf("pool: pipe2: %w", err)
		}
		if _, err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETPIPE_SZ, pipeCapacity); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			pp.closeAll(i)
			return nil, fmt.Errorf("pool: F_SETPIPE_SZ: %w", err)
		}
		pp.slots[i] = PipeSlot{ReadFd: fds[0], WriteFd: fds[1]}
		pp.free[i] = true
	}
	return pp, nil
}

func (pp *PipePool) closeAll(upTo int) {
	for i := 0; i < upTo; i++ {
		unix.Close(pp.slots[i].ReadFd)
		unix.Close(pp.slots[i].WriteFd)
	}
}

// Count returns the number of slots in the pool.
func (pp *PipePool) Count() int { return len(pp.slots) }

// Acquire returns the lowest-index free slot, or ok=false if none free.
func (pp *PipePool) Acquire() (idx int, slot PipeSlot, ok bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for i := range pp.free {
		if pp.free[i] {
			pp.free[i] = false
			return i, pp.slots[i], true
		}
	}
	return 0, PipeSlot{}, false
}

// Release marks idx free again; invalid/repeated indices are a no-op.
func (pp *PipePool) Release(idx int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if idx < 0 || idx >= len(pp.free) {
		return
	}
	pp.free[idx] = true
}

// Close releases all underlying pipe descriptors.
func (pp *PipePool) Close() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	var firstErr error
	for _, s := range pp.slots {
		if err := unix.Close(s.ReadFd); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Close(s.WriteFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
