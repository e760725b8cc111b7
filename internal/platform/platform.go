// Package platform copies file bytes using the best available kernel
// primitive, falling through copy_file_range -> sendfile -> read/write
// in that order (spec §4.6, sync_mode's fallback chain). This is a
// Linux-only package: every method it tries is a Linux syscall, and
// the rest of uringsync already assumes a Linux kernel for io_uring.
package platform

import "os"

// CopyMethod identifies which syscall strategy produced a CopyResult.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota
	CopyFileRange            // Linux copy_file_range(2)
	Sendfile                 // Linux sendfile(2)
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case CopyFileRange:
		return "copy_file_range"
	case Sendfile:
		return "sendfile"
	default:
		return "unknown"
	}
}

// CopyResult reports the outcome of a copy operation.
type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// CopyFileParams describes what to copy. SrcOffset/Length address a
// byte range within SrcPath; Length of 0 means "to end of file" (using
// SrcSize to compute the remainder).
type CopyFileParams struct {
	DstFd     *os.File
	SrcPath   string
	SrcOffset int64
	SrcSize   int64
	Length    int64
}

// copyLength returns the effective byte count to copy.
func copyLength(params CopyFileParams) int64 {
	if params.Length > 0 {
		return params.Length
	}
	return params.SrcSize - params.SrcOffset
}
