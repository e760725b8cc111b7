// Package syncrun implements sync_mode (spec §4.6): a blocking per-file
// copy loop that replaces the async ring engine entirely, using the
// same kernel zero-copy fallback chain (copy_file_range -> sendfile ->
// read/write) as the platform package without ever touching a ring.
package syncrun

import (
	"errors"
	"os"

	"github.com/bamsammich/uringsync/internal/platform"
	"github.com/bamsammich/uringsync/internal/ringerr"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
)

// Config controls a sync_mode run.
type Config struct {
	Stats *stats.Collector
}

// Run copies every item in plan sequentially, one blocking CopyFile
// call at a time. Directory creation already happened during scan.Run.
// A failed file is recorded and does not stop the rest of the batch
// (spec §7: per-file errors count against files_failed, they don't
// abort other files), mirroring internal/copyjob's per-job isolation.
// The returned error, if any, joins every failure encountered.
func Run(cfg Config, plan scan.Plan) error {
	if cfg.Stats != nil {
		cfg.Stats.AddFilesTotal(int64(len(plan.Items)))
		cfg.Stats.AddBytesTotal(plan.TotalBytes)
		cfg.Stats.AddDirsCreated(plan.DirsCreated)
	}

	var errs []error
	for _, item := range plan.Items {
		if err := copyOne(cfg, item); err != nil {
			if cfg.Stats != nil {
				cfg.Stats.AddFilesFailed(1)
			}
			errs = append(errs, err)
			continue
		}
	}
	return errors.Join(errs...)
}

func copyOne(cfg Config, item scan.WorkItem) error {
	dst, err := os.OpenFile(item.DstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, item.Mode.Perm())
	if err != nil {
		return ringerr.New(classifyOpenErr(err), "syncrun.copyOne", err)
	}
	defer dst.Close()

	// platform.CopyFile already classifies its own terminal errors into
	// a ringerr.Kind, so there's nothing left to interpret here.
	result, err := platform.CopyFile(platform.CopyFileParams{
		DstFd:   dst,
		SrcPath: item.SrcPath,
		Length:  item.Size,
		SrcSize: item.Size,
	})
	if err != nil {
		return err
	}

	if cfg.Stats != nil {
		cfg.Stats.AddBytesCopied(result.BytesWritten)
		cfg.Stats.AddFilesCompleted(1)
	}
	return nil
}

func classifyOpenErr(err error) ringerr.Kind {
	if os.IsNotExist(err) {
		return ringerr.KindNotFound
	}
	if os.IsPermission(err) {
		return ringerr.KindPermissionDenied
	}
	return ringerr.KindNoSpace
}
