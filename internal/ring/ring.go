// Package ring is the facade over a single kernel io_uring submission and
// completion pair (spec §4.1, component C1). It wraps
// github.com/iceber/iouring-go and exposes one verb per supported
// opcode, tags each submission with an opaque context value, and yields
// completions as (context, result) pairs.
//
// The facade never blocks except WaitCompletion. When the prepared batch
// cannot be handed to the kernel because the submission queue has no
// free slot, Submit drains what it can and a caller that still can't
// make progress sees a *ringerr.Error of KindRingFull — fatal to the
// owning engine (spec §7).
package ring

import (
	"context"
	"fmt"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/uringsync/internal/ringerr"
)

// Op identifies which opcode a prepared request represents. Dispatch is
// driven by the Context the caller attaches, not by Op; copyjob uses Op
// to classify a failed completion's error.
type Op uint8

const (
	OpOpenAt Op = iota
	OpStatAt
	OpRead
	OpWrite
	OpSplice
	OpClose
	OpMkdirAt
	OpConnect
	OpAccept
	OpSend
	OpRecv
	OpShutdown
)

func (o Op) String() string {
	names := [...]string{"openat", "statat", "read", "write", "splice", "close", "mkdirat", "connect", "accept", "send", "recv", "shutdown"}
	if int(o) < len(names) {
		return names[o]
	}
	return "unknown"
}

// Completion carries a submission's context tag back to the caller along
// with the kernel's signed result: >=0 is success (often a descriptor, a
// byte count, or 0); <0 is the negated errno.
type Completion struct {
	Context any
	Op      Op
	Res     int32
}

// Cancelled reports whether this completion is the cancel-propagation
// sentinel for a linked submission whose predecessor failed. Per spec
// §4.1 this is not itself an error and must be swallowed by callers that
// use SQE linking. This facade's callers drive dependency ordering
// through the state machine itself (see DESIGN.md) rather than
// IOSQE_IO_LINK, so in practice this path is exercised only by tests
// that simulate a cancelled completion.
func (c Completion) Cancelled() bool {
	return c.Res == -int32(ringerrECANCELED)
}

const ringerrECANCELED = 125 // Linux ECANCELED

// Ring owns one submission/completion queue pair of fixed depth D.
type Ring struct {
	depth   uint
	iour    *iouring.IOURing
	resCh   chan *iouring.Result
	pending []iouring.IORequest
}

// New creates a ring of the given submission depth.
func New(depth uint) (*Ring, error) {
	iour, err := iouring.New(depth)
	if err != nil {
		return nil, fmt.Errorf("ring: io_uring_setup: %w", err)
	}
	return &Ring{
		depth: depth,
		iour:  iour,
		resCh: make(chan *iouring.Result, depth),
	}, nil
}

// Close releases the ring.
func (r *Ring) Close() error {
	if r == nil || r.iour == nil {
		return nil
	}
	return r.iour.Close()
}

// Depth returns the configured submission depth.
func (r *Ring) Depth() uint { return r.depth }

func (r *Ring) enqueue(op Op, req iouring.IORequest, tag any) {
	tagged := iouring.SetRequestInfo(req, opTag{op: op, ctx: tag})
	r.pending = append(r.pending, tagged)
}

type opTag struct {
	op  Op
	ctx any
}

// OpenAt submits an openat(2).
func (r *Ring) OpenAt(dirfd int, path string, flags int, mode uint32, tag any) {
	r.enqueue(OpOpenAt, iouring.Openat(dirfd, path, flags, mode), tag)
}

// StatAt submits a statx(2) against dirfd/path (path=="" + AT_EMPTY_PATH
// avoids a path-level TOCTOU race per spec §4.5 STATING).
func (r *Ring) StatAt(dirfd int, path string, flags int, mask uint32, buf *unix.Statx_t, tag any) {
	r.enqueue(OpStatAt, iouring.Statx(dirfd, path, flags, mask, buf), tag)
}

// Read submits a pread(2) of len(buf) bytes at offset.
func (r *Ring) Read(fd int, buf []byte, offset uint64, tag any) {
	r.enqueue(OpRead, iouring.Pread(fd, buf, offset), tag)
}

// Write submits a pwrite(2) of len(buf) bytes at offset.
func (r *Ring) Write(fd int, buf []byte, offset uint64, tag any) {
	r.enqueue(OpWrite, iouring.Pwrite(fd, buf, offset), tag)
}

// Splice submits a splice(2). offIn/offOut of -1 select the
// "not applicable" sentinel (pipe end).
func (r *Ring) Splice(fdIn int, offIn int64, fdOut int, offOut int64, length uint32, tag any) {
	r.enqueue(OpSplice, iouring.Splice(fdIn, offIn, fdOut, offOut, int(length), 0), tag)
}

// CloseFd submits a close(2).
func (r *Ring) CloseFd(fd int, tag any) {
	r.enqueue(OpClose, iouring.Close(fd), tag)
}

// MkdirAt submits a mkdirat(2).
func (r *Ring) MkdirAt(dirfd int, path string, mode uint32, tag any) {
	r.enqueue(OpMkdirAt, iouring.Mkdirat(dirfd, path, mode), tag)
}

// Connect submits a connect(2) on a socket fd.
func (r *Ring) Connect(fd int, addr unix.Sockaddr, tag any) {
	r.enqueue(OpConnect, iouring.Connect(fd, addr), tag)
}

// Accept submits an accept(2) on a listening socket fd.
func (r *Ring) Accept(fd int, tag any) {
	r.enqueue(OpAccept, iouring.Accept(fd, 0), tag)
}

// Send submits a send(2).
func (r *Ring) Send(fd int, buf []byte, tag any) {
	r.enqueue(OpSend, iouring.Send(fd, buf, 0), tag)
}

// Recv submits a recv(2).
func (r *Ring) Recv(fd int, buf []byte, tag any) {
	r.enqueue(OpRecv, iouring.Recv(fd, buf, 0), tag)
}

// Shutdown submits a shutdown(2).
func (r *Ring) Shutdown(fd int, how int, tag any) {
	r.enqueue(OpShutdown, iouring.Shutdown(fd, how), tag)
}

// Submit hands all prepared entries to the kernel, returning the number
// submitted. If the queue has no free slot it is drained first and
// retried once; a second failure is fatal (ringerr.KindRingFull).
func (r *Ring) Submit() (int, error) {
	if len(r.pending) == 0 {
		return 0, nil
	}
	batch := r.pending
	r.pending = nil

	if err := r.iour.SubmitRequests(batch, r.resCh); err != nil {
		// Retry once: the library already drains internally on a full
		// queue, so a second failure means the ring truly cannot accept
		// more work.
		if err2 := r.iour.SubmitRequests(batch, r.resCh); err2 != nil {
			return 0, ringerr.New(ringerr.KindRingFull, "ring.Submit", err2)
		}
	}
	return len(batch), nil
}

// WaitCompletion blocks until at least one completion is available and
// returns it. ctx cancellation unblocks the wait with ctx.Err().
func (r *Ring) WaitCompletion(ctx context.Context) (Completion, error) {
	select {
	case res, ok := <-r.resCh:
		if !ok {
			return Completion{}, fmt.Errorf("ring: result channel closed")
		}
		return toCompletion(res), nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// DrainCompletions returns any further completions already queued,
// without blocking. Used after WaitCompletion to service a full batch
// in one engine iteration (spec §4.6: "drain the completion queue").
func (r *Ring) DrainCompletions() []Completion {
	var out []Completion
	for {
		select {
		case res, ok := <-r.resCh:
			if !ok {
				return out
			}
			out = append(out, toCompletion(res))
		default:
			return out
		}
	}
}

func toCompletion(res *iouring.Result) Completion {
	tag, _ := res.GetRequestInfo().(opTag)
	ret := int32(0)
	if err := res.Err(); err != nil {
		if errno, ok := asErrno(err); ok {
			ret = -errno
		} else {
			ret = -1
		}
	} else {
		ret = int32(res.ReturnValue())
	}
	return Completion{Context: tag.ctx, Op: tag.op, Res: ret}
}

// asErrno extracts a raw errno from a syscall-shaped error, if possible.
func asErrno(err error) (int32, bool) {
	type errnoer interface{ Errno() uintptr }
	if e, ok := err.(errnoer); ok {
		return int32(e.Errno()), true
	}
	return 0, false
}
