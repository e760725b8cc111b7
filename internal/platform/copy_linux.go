//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/uringsync/internal/ringerr"
)

// CopyFile tries the most efficient copy method available, falling
// through on unsupported/cross-device errors, and classifies a
// terminal failure into a *ringerr.Error so callers never need their
// own errno guesswork (spec §7).
func CopyFile(params CopyFileParams) (CopyResult, error) {
	size := copyLength(params)
	preallocate(params.DstFd, size)

	result, err := copyFileRange(params)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, classify(err, result.BytesWritten)
	}

	result, err = copySendfile(params)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, classify(err, result.BytesWritten)
	}

	result, err = copyReadWrite(params)
	if err != nil {
		return result, classify(err, result.BytesWritten)
	}
	return result, nil
}

func copyFileRange(params CopyFileParams) (CopyResult, error) {
	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return CopyResult{}, err
	}
	defer srcFd.Close()

	remaining := copyLength(params)
	roff := params.SrcOffset
	woff := params.SrcOffset

	var totalWritten int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(srcFd.Fd()), &roff, int(params.DstFd.Fd()), &woff, int(remaining), 0)
		if err != nil {
			if totalWritten == 0 {
				return CopyResult{}, err
			}
			return CopyResult{BytesWritten: totalWritten, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		totalWritten += int64(n)
	}

	return CopyResult{BytesWritten: totalWritten, Method: CopyFileRange}, nil
}

func copySendfile(params CopyFileParams) (CopyResult, error) {
	srcFd, err := os.Open(params.SrcPath)
	if err != nil {
		return CopyResult{}, err
	}
	defer srcFd.Close()

	remaining := copyLength(params)
	offset := params.SrcOffset

	if offset > 0 {
		if _, err := params.DstFd.Seek(offset, 0); err != nil {
			return CopyResult{}, err
		}
	}

	var totalWritten int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(params.DstFd.Fd()), int(srcFd.Fd()), &offset, int(remaining))
		if err != nil {
			if totalWritten == 0 {
				return CopyResult{}, err
			}
			return CopyResult{BytesWritten: totalWritten, Method: Sendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		totalWritten += int64(n)
	}

	return CopyResult{BytesWritten: totalWritten, Method: Sendfile}, nil
}

// preallocate attempts to pre-allocate disk space. Errors are ignored;
// fallocate is advisory and not supported on all filesystems.
func preallocate(fd *os.File, size int64) {
	_ = unix.Fallocate(int(fd.Fd()), 0, 0, size)
}

// isFallbackErr reports whether err should trigger a fallback to the
// next copy strategy rather than a terminal failure.
func isFallbackErr(err error) bool {
	switch unwrapErrno(err) {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP:
		return true
	}
	return false
}

// classify maps a terminal copy error to a ringerr.Kind: ENOENT/EACCES
// opening the source, ENOSPC/EDQUOT writing the destination, and a
// short-copy kind when bytes were already written before the failure.
func classify(err error, written int64) error {
	switch unwrapErrno(err) {
	case unix.ENOENT:
		return ringerr.New(ringerr.KindNotFound, "platform.CopyFile", err)
	case unix.EACCES, unix.EPERM:
		return ringerr.New(ringerr.KindPermissionDenied, "platform.CopyFile", err)
	case unix.ENOSPC, unix.EDQUOT:
		return ringerr.New(ringerr.KindNoSpace, "platform.CopyFile", err)
	}
	if written > 0 {
		return ringerr.New(ringerr.KindShortIO, "platform.CopyFile", err)
	}
	return ringerr.New(ringerr.KindNoSpace, "platform.CopyFile", err)
}

func unwrapErrno(err error) unix.Errno {
	if e, ok := err.(*os.PathError); ok {
		return unwrapErrno(e.Err)
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return 0
}
