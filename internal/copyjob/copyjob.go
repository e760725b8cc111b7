// Package copyjob implements the per-file asynchronous copy state
// machine (spec §4.5, component C7): a flat automaton driven entirely by
// ring completion events, advancing a job through
// open/stat/open-dest/transfer/close.
package copyjob

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/uringsync/internal/pool"
	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/ringerr"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
)

// State is one node of the transition table in spec §4.5.
type State int

const (
	Queued State = iota
	OpeningSrc
	Stating
	OpeningDst
	Reading
	Writing
	SpliceIn
	SpliceOut
	ClosingSrc
	ClosingDst
	Done
	Failed
)

func (s State) String() string {
	names := [...]string{
		"QUEUED", "OPENING_SRC", "STATING", "OPENING_DST", "READING", "WRITING",
		"SPLICE_IN", "SPLICE_OUT", "CLOSING_SRC", "CLOSING_DST", "DONE", "FAILED",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Resources are the worker-local, engine-owned pools and configuration a
// job needs to advance. A Job never owns any of these; it borrows pool
// slots by index (spec §9: "avoids any lifetime entanglement").
type Resources struct {
	Ring      *ring.Ring
	Bufs      *pool.BufferPool
	Pipes     *pool.PipePool
	ChunkSize int64
	UseSplice bool
	Stats     *stats.Collector
}

// Job is one in-flight file copy. At most one ring submission is
// outstanding per Job at any time (invariant I1).
type Job struct {
	SrcPath string
	DstPath string

	State State
	Err   error

	srcFd int
	dstFd int

	position uint64
	size     uint64
	mode     uint32

	usePipe    bool
	bufIdx     int
	buf        []byte
	bufLoaned  bool
	pipeIdx    int
	pipeSlot   pool.PipeSlot
	pipeLoaned bool

	statxBuf  unix.Statx_t
	lastN     int32 // bytes requested/returned by the in-flight read/write
	inPipeLen int32 // bytes currently staged in the pipe (splice path)
	released  bool
}

// New creates a Job for item, not yet admitted to a worker.
func New(item scan.WorkItem) *Job {
	return &Job{
		SrcPath: item.SrcPath,
		DstPath: item.DstPath,
		State:   Queued,
		srcFd:   -1,
		dstFd:   -1,
	}
}

// Start acquires the resource loan the run's configured data path
// requires and submits the first ring operation (open-at on the
// source). Returns false if the loan could not be acquired — the caller
// should push the item back onto the work queue and retry later (spec
// §4.6 admission gate).
func (j *Job) Start(res *Resources) bool {
	if res.UseSplice {
		if idx, slot, ok := res.Pipes.Acquire(); ok {
			j.pipeIdx, j.pipeSlot, j.pipeLoaned, j.usePipe = idx, slot, true, true
		} else {
			// Open question #2 (SPEC_FULL.md): silent fallback to the
			// buffered path when no pipe loan is available.
			idx, buf, ok := res.Bufs.Acquire()
			if !ok {
				return false
			}
			j.bufIdx, j.buf, j.bufLoaned = idx, buf, true
		}
	} else {
		idx, buf, ok := res.Bufs.Acquire()
		if !ok {
			return false
		}
		j.bufIdx, j.buf, j.bufLoaned = idx, buf, true
	}

	j.State = OpeningSrc
	res.Ring.OpenAt(unix.AT_FDCWD, j.SrcPath, unix.O_RDONLY, 0, j)
	return true
}

// Advance moves the job forward by one ring completion. It never blocks
// and submits at most the next step's ring entries.
func (j *Job) Advance(res *Resources, comp ring.Completion) {
	if comp.Res < 0 && !comp.Cancelled() {
		j.fail(res, classify(comp.Op, comp.Res))
		return
	}
	if comp.Cancelled() {
		return // spec §4.1: swallow silently, the predecessor's failure is the real event
	}

	switch j.State {
	case OpeningSrc:
		j.srcFd = int(comp.Res)
		j.State = Stating
		res.Ring.StatAt(j.srcFd, "", unix.AT_EMPTY_PATH, unix.STATX_SIZE|unix.STATX_MODE, &j.statxBuf, j)

	case Stating:
		j.size = j.statxBuf.Size
		j.mode = uint32(j.statxBuf.Mode & 0o777)
		res.Stats.AddBytesTotal(int64(j.size))
		j.State = OpeningDst
		flags := unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
		res.Ring.OpenAt(unix.AT_FDCWD, j.DstPath, flags, j.mode, j)

	case OpeningDst:
		j.dstFd = int(comp.Res)
		if j.size == 0 {
			j.State = ClosingSrc
			res.Ring.CloseFd(j.srcFd, j)
			return
		}
		j.submitNextChunk(res)

	case Reading:
		n := comp.Res
		if n == 0 {
			j.fail(res, ringerr.New(ringerr.KindShortIO, "copyjob.Reading", fmt.Errorf("unexpected EOF at %d/%d bytes", j.position, j.size)))
			return
		}
		j.lastN = n
		j.State = Writing
		res.Ring.Write(j.dstFd, j.buf[:n], j.position, j)

	case Writing:
		m := comp.Res
		if m < j.lastN {
			// Short write: loop for the remainder (spec §7 ShortIO policy).
			remainder := j.lastN - m
			copy(j.buf[0:remainder], j.buf[m:j.lastN])
			j.position += uint64(m)
			res.Stats.AddBytesCopied(int64(m))
			j.lastN = remainder
			res.Ring.Write(j.dstFd, j.buf[:remainder], j.position, j)
			return
		}
		j.position += uint64(m)
		res.Stats.AddBytesCopied(int64(m))
		j.afterTransferStep(res)

	case SpliceIn:
		n := comp.Res
		if n == 0 {
			j.fail(res, ringerr.New(ringerr.KindShortIO, "copyjob.SpliceIn", fmt.Errorf("unexpected EOF at %d/%d bytes", j.position, j.size)))
			return
		}
		j.inPipeLen = n
		j.State = SpliceOut
		res.Ring.Splice(j.pipeSlot.ReadFd, -1, j.dstFd, int64(j.position), uint32(n), j)

	case SpliceOut:
		m := comp.Res
		j.position += uint64(m)
		res.Stats.AddBytesCopied(int64(m))
		j.afterTransferStep(res)

	case ClosingSrc:
		j.srcFd = -1
		j.State = ClosingDst
		res.Ring.CloseFd(j.dstFd, j)

	case ClosingDst:
		j.dstFd = -1
		j.State = Done
		res.Stats.AddFilesCompleted(1)
		j.release(res)

	default:
		// Failed/Done/Queued should never receive a completion.
	}
}

// afterTransferStep decides whether the job is finished or needs another
// read/write (or splice) cycle, per spec §4.5 READING/WRITING/SPLICE_*
// success rules.
func (j *Job) afterTransferStep(res *Resources) {
	if j.position >= j.size {
		j.State = ClosingSrc
		res.Ring.CloseFd(j.srcFd, j)
		return
	}
	j.submitNextChunk(res)
}

func (j *Job) submitNextChunk(res *Resources) {
	remaining := int64(j.size - j.position)
	n := res.ChunkSize
	if n > remaining {
		n = remaining
	}
	if j.usePipe {
		j.State = SpliceIn
		res.Ring.Splice(j.srcFd, -1, j.pipeSlot.WriteFd, -1, uint32(n), j)
	} else {
		j.State = Reading
		res.Ring.Read(j.srcFd, j.buf[:n], j.position, j)
	}
}

// fail flips the job to FAILED, synchronously closes any still-open
// descriptors, and releases pool loans exactly once.
func (j *Job) fail(res *Resources, err error) {
	j.State = Failed
	j.Err = err

	if j.srcFd >= 0 {
		unix.Close(j.srcFd)
		j.srcFd = -1
	}
	if j.dstFd >= 0 {
		unix.Close(j.dstFd)
		j.dstFd = -1
	}

	res.Stats.AddFilesFailed(1)
	j.release(res)
}

// release returns any held pool loan exactly once (invariant I2).
func (j *Job) release(res *Resources) {
	if j.released {
		return
	}
	j.released = true
	if j.bufLoaned {
		res.Bufs.Release(j.bufIdx)
	}
	if j.pipeLoaned {
		res.Pipes.Release(j.pipeIdx)
	}
}

// Terminal reports whether the job has reached DONE or FAILED.
func (j *Job) Terminal() bool {
	return j.State == Done || j.State == Failed
}

// classify maps a negative ring result to a ringerr Kind for the failing
// op, per the §7 error-kind table.
func classify(op ring.Op, res int32) error {
	errno := unix.Errno(-res)
	kind := ringerr.KindNetworkIO
	switch op {
	case ring.OpOpenAt, ring.OpStatAt:
		switch errno {
		case unix.ENOENT:
			kind = ringerr.KindNotFound
		case unix.EACCES, unix.EPERM:
			kind = ringerr.KindPermissionDenied
		default:
			kind = ringerr.KindNotFound
		}
	case ring.OpWrite, ring.OpSplice:
		switch errno {
		case unix.ENOSPC, unix.EDQUOT:
			kind = ringerr.KindNoSpace
		case unix.EACCES, unix.EPERM:
			kind = ringerr.KindPermissionDenied
		default:
			kind = ringerr.KindBadDescriptor
		}
	case ring.OpRead:
		kind = ringerr.KindBadDescriptor
	case ring.OpClose:
		kind = ringerr.KindBadDescriptor
	}
	return ringerr.New(kind, fmt.Sprintf("copyjob.%s", op), errno)
}
