// Package scan implements the scan/planning layer (spec §4.4, component
// C6): a recursive directory walk that produces work items, samples the
// size distribution, and fixes a single chunk size for the run.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/bamsammich/uringsync/internal/stats"
)

// WorkItem is a source path, a destination path, and an inode-order
// hint used only for sorting. Immutable once created.
type WorkItem struct {
	SrcPath   string
	DstPath   string
	InodeHint uint64
	Size      int64
	Mode      os.FileMode
}

// Config controls a scan.
type Config struct {
	SrcRoot string
	DstRoot string
	// ChunkSize pins the run's chunk size; 0 means auto-select from the
	// observed size distribution.
	ChunkSize int64
	// NoDst skips destination-directory creation and DstPath
	// computation entirely, for the send mode (C11) where there is no
	// local destination to create directories under.
	NoDst bool
}

// Plan is the result of a scan: a finite, already-sorted sequence of
// work items and the chunk size chosen for the run.
type Plan struct {
	Items       []WorkItem
	ChunkSize   int64
	DirsCreated int64
	TotalBytes  int64
}

// Run walks cfg.SrcRoot, creating destination directories as it goes,
// and returns the resulting Plan. When SrcRoot is a regular file, the
// plan contains a single WorkItem (spec §4.4).
func Run(cfg Config) (Plan, error) {
	srcInfo, err := os.Lstat(cfg.SrcRoot)
	if err != nil {
		return Plan{}, fmt.Errorf("scan: stat source: %w", err)
	}

	if !srcInfo.IsDir() {
		item, err := fileWorkItem(cfg.SrcRoot, cfg.DstRoot, srcInfo, cfg.NoDst)
		if err != nil {
			return Plan{}, err
		}
		chunk := cfg.ChunkSize
		if chunk == 0 {
			chunk = stats.DefaultChunkSize
		}
		return Plan{Items: []WorkItem{item}, ChunkSize: chunk, TotalBytes: item.Size}, nil
	}

	sizes := stats.NewSizeStats()
	var items []WorkItem
	var dirsCreated int64
	var totalBytes int64

	walkErr := filepath.WalkDir(cfg.SrcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("scan: walk %s: %w", path, err)
		}

		rel, relErr := filepath.Rel(cfg.SrcRoot, path)
		if relErr != nil {
			return fmt.Errorf("scan: rel %s: %w", path, relErr)
		}
		var dstPath string
		if !cfg.NoDst {
			dstPath = filepath.Join(cfg.DstRoot, rel)
		}

		if d.IsDir() {
			if cfg.NoDst {
				return nil
			}
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return fmt.Errorf("scan: mkdir %s: %w", dstPath, err)
			}
			dirsCreated++
			return nil
		}
		if !d.Type().IsRegular() {
			return nil // spec: only regular files become work items
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("scan: info %s: %w", path, err)
		}

		sizes.Observe(path, info.Size())
		totalBytes += info.Size()

		items = append(items, WorkItem{
			SrcPath:   path,
			DstPath:   dstPath,
			InodeHint: inodeHint(info),
			Size:      info.Size(),
			Mode:      info.Mode(),
		})
		return nil
	})
	if walkErr != nil {
		return Plan{}, walkErr
	}

	// Ordering policy: sort ascending by inode-order hint to approximate
	// on-disk order (spec §4.4). Tie-break is arbitrary (stable sort
	// preserves walk order for ties).
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].InodeHint < items[j].InodeHint
	})

	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = sizes.ChooseChunkSize()
	}

	return Plan{
		Items:       items,
		ChunkSize:   chunk,
		DirsCreated: dirsCreated,
		TotalBytes:  totalBytes,
	}, nil
}

func fileWorkItem(srcPath, dstPath string, info os.FileInfo, noDst bool) (WorkItem, error) {
	if noDst {
		dstPath = ""
	} else {
		if dstInfo, err := os.Stat(dstPath); err == nil && dstInfo.IsDir() {
			dstPath = filepath.Join(dstPath, filepath.Base(srcPath))
		}
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			return WorkItem{}, fmt.Errorf("scan: create parent dir: %w", err)
		}
	}
	return WorkItem{
		SrcPath:   srcPath,
		DstPath:   dstPath,
		InodeHint: inodeHint(info),
		Size:      info.Size(),
		Mode:      info.Mode(),
	}, nil
}

// inodeHint extracts the filesystem inode number where available,
// falling back to 0 (stable sort preserves original order in that case).
func inodeHint(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
