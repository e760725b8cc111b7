//go:build linux

package platform

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/uringsync/internal/ringerr"
)

func TestCopyFileBasic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	data := []byte("hello, beam!")
	require.NoError(t, os.WriteFile(src, data, 0644))

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	result, err := CopyFile(CopyFileParams{
		SrcPath: src,
		DstFd:   dstFd,
		SrcSize: int64(len(data)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.BytesWritten)

	dstFd.Close()
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyFileLarge(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	// 4 MiB — larger than the 1 MiB buffer.
	size := 4 * 1024 * 1024
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0644))

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	result, err := CopyFile(CopyFileParams{
		SrcPath: src,
		DstFd:   dstFd,
		SrcSize: int64(size),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(size), result.BytesWritten)

	dstFd.Close()
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyFileOffset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	data := []byte("AAAA_BBBB_CCCC")
	require.NoError(t, os.WriteFile(src, data, 0644))

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	// Copy only "BBBB" (offset 5, length 4).
	result, err := CopyFile(CopyFileParams{
		SrcPath:   src,
		DstFd:     dstFd,
		SrcOffset: 5,
		Length:    4,
		SrcSize:   int64(len(data)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.BytesWritten)

	dstFd.Close()
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	// Data is written at offset 5 in destination as well (pwrite semantics).
	assert.Equal(t, []byte("BBBB"), got[5:9])
}

func TestCopyFileEmpty(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	require.NoError(t, os.WriteFile(src, nil, 0644))

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	result, err := CopyFile(CopyFileParams{
		SrcPath: src,
		DstFd:   dstFd,
		SrcSize: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.BytesWritten)
}

func TestCopyReadWrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	data := []byte("read-write fallback test")
	require.NoError(t, os.WriteFile(src, data, 0644))

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	result, err := CopyReadWrite(CopyFileParams{
		SrcPath: src,
		DstFd:   dstFd,
		SrcSize: int64(len(data)),
	})
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, result.Method)
	assert.Equal(t, int64(len(data)), result.BytesWritten)

	dstFd.Close()
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyMethodString(t *testing.T) {
	assert.Equal(t, "read_write", ReadWrite.String())
	assert.Equal(t, "copy_file_range", CopyFileRange.String())
	assert.Equal(t, "sendfile", Sendfile.String())
	assert.Equal(t, "unknown", CopyMethod(99).String())
}

func TestCopyFileMissingSourceIsClassified(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")

	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer dstFd.Close()

	_, err = CopyFile(CopyFileParams{
		SrcPath: filepath.Join(dir, "does-not-exist"),
		DstFd:   dstFd,
		SrcSize: 10,
	})
	require.Error(t, err)
	assert.True(t, ringerr.Is(err, ringerr.KindNotFound))
}
