package filesystem

import (
	"os"
	"path/filepath"
	"time"
)

// PurgeOldFiles removes regular files under root whose modification time is
// older than maxAge, implementing spec.md §4.7 step 2's "deleteOldLocalFiles"
// pass. maxAge <= 0 disables purging entirely. Directories are left in place;
// a removal failure on one file is logged by the caller and does not stop
// the walk over the rest.
//
// No retrieved example wraps a generic age-based file pruner behind a
// library; filepath.WalkDir + os.Remove is the straightforward stdlib match
// for "delete files older than N" and pulling in a dependency for it would
// not exercise anything this repo doesn't already do with os/path.
func PurgeOldFiles(root string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var firstRemoveErr error

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if firstRemoveErr == nil {
				firstRemoveErr = err
			}
			return nil
		}
		removed++
		return nil
	})

	if err == nil {
		err = firstRemoveErr
	}
	return removed, err
}
