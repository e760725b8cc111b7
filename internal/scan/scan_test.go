package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestRunSingleFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "hello.txt")
	writeFile(t, srcFile, []byte("Hello!"))

	dst := filepath.Join(dstDir, "out.txt")
	plan, err := Run(Config{SrcRoot: srcFile, DstRoot: dst})
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, srcFile, plan.Items[0].SrcPath)
	assert.Equal(t, dst, plan.Items[0].DstPath)
	assert.Equal(t, int64(6), plan.Items[0].Size)
}

func TestRunNestedTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, filepath.Join(src, "a", "level_a.txt"), []byte("a"))
	writeFile(t, filepath.Join(src, "a", "b", "level_b.txt"), []byte("b"))
	writeFile(t, filepath.Join(src, "a", "b", "c", "deep.txt"), []byte("c"))

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst})
	require.NoError(t, err)
	assert.Len(t, plan.Items, 3)

	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		info, err := os.Stat(filepath.Join(dst, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.GreaterOrEqual(t, info.Mode().Perm(), os.FileMode(0o755))
	}
}

func TestRunSortsByInodeHint(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for _, name := range []string{"f0", "f1", "f2", "f3"} {
		writeFile(t, filepath.Join(src, name), []byte("x"))
	}

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst})
	require.NoError(t, err)
	require.Len(t, plan.Items, 4)
	for i := 1; i < len(plan.Items); i++ {
		assert.LessOrEqual(t, plan.Items[i-1].InodeHint, plan.Items[i].InodeHint)
	}
}

func TestRunIgnoresNonRegularSkipsSpecialFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "real.txt"), []byte("data"))

	target := filepath.Join(src, "real.txt")
	link := filepath.Join(src, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst})
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, "real.txt", filepath.Base(plan.Items[0].SrcPath))
}

func TestRunPinnedChunkSizeBypassesAutotune(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), make([]byte, 10))

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst, ChunkSize: 777})
	require.NoError(t, err)
	assert.Equal(t, int64(777), plan.ChunkSize)
}

func TestRunAutoChunkSizeForSmallFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for i := 0; i < 25; i++ {
		writeFile(t, filepath.Join(src, "f", string(rune('a'+i))), make([]byte, 4096))
	}

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst})
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), plan.ChunkSize)
}

func TestRunTotalBytes(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), make([]byte, 100))
	writeFile(t, filepath.Join(src, "b"), make([]byte, 200))

	plan, err := Run(Config{SrcRoot: src, DstRoot: dst})
	require.NoError(t, err)
	assert.Equal(t, int64(300), plan.TotalBytes)
}

// fixture names are uuids here rather than sequential names so a run
// that leaves files behind on failure never collides with the next.
func TestRunNoDstSkipsDestinationEntirely(t *testing.T) {
	src := t.TempDir()
	names := make([]string, 3)
	for i := range names {
		names[i] = uuid.NewString() + ".bin"
		writeFile(t, filepath.Join(src, names[i]), make([]byte, 16))
	}

	plan, err := Run(Config{SrcRoot: src, NoDst: true})
	require.NoError(t, err)
	require.Len(t, plan.Items, len(names))
	for _, item := range plan.Items {
		assert.Empty(t, item.DstPath)
	}
}
