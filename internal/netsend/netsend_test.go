package netsend_test

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/uringsync/internal/netrecv"
	"github.com/bamsammich/uringsync/internal/netsend"
	"github.com/bamsammich/uringsync/internal/ringerr"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
)

func TestRunDialFailureIsClassifiedAsNetworkIO(t *testing.T) {
	// A listener bound then immediately closed frees the port without
	// anything accepting on it, so the dial itself fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = netsend.Run(netsend.Config{Addr: addr, SrcRoot: t.TempDir()}, scan.Plan{})
	require.Error(t, err)
	assert.True(t, ringerr.Is(err, ringerr.KindNetworkIO))
}

func TestRunSplitsFilesAcrossChunks(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	secret := []byte("shared")

	content := make([]byte, 37) // deliberately not a multiple of the chunk size
	for i := range content {
		content[i] = byte(i)
	}
	src := filepath.Join(srcDir, "blob.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvStats := stats.NewCollector()
	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		recvErr = netrecv.Serve(ln, netrecv.Config{DstRoot: dstDir, Secret: secret, Stats: recvStats})
	}()

	sendStats := stats.NewCollector()
	sendErr := netsend.Run(netsend.Config{
		Addr:      ln.Addr().String(),
		SrcRoot:   srcDir,
		Secret:    secret,
		ChunkSize: 8, // forces multiple FILE_DATA frames for a 37-byte file
		Stats:     sendStats,
	}, scan.Plan{Items: []scan.WorkItem{{SrcPath: src, Size: int64(len(content)), Mode: 0o644}}})
	require.NoError(t, sendErr)

	wg.Wait()
	require.NoError(t, recvErr)

	got, err := os.ReadFile(filepath.Join(dstDir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), sendStats.Snapshot().BytesCopied)
}

func TestRunBandwidthLimitStillCompletesTransfer(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	secret := []byte("shared")

	content := []byte("throttled but correct")
	src := filepath.Join(srcDir, "f.txt")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		recvErr = netrecv.Serve(ln, netrecv.Config{DstRoot: dstDir, Secret: secret})
	}()

	sendErr := netsend.Run(netsend.Config{
		Addr:      ln.Addr().String(),
		SrcRoot:   srcDir,
		Secret:    secret,
		ChunkSize: 4,
		BWLimit:   1 << 20, // generous cap, just exercising the ratelimit.Writer wiring
	}, scan.Plan{Items: []scan.WorkItem{{SrcPath: src, Size: int64(len(content)), Mode: 0o644}}})
	require.NoError(t, sendErr)

	wg.Wait()
	require.NoError(t, recvErr)

	got, err := os.ReadFile(filepath.Join(dstDir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
