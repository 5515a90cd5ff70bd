package disk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type stashFile struct {
	path string
	size int64
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// Prune removes entries, abandoned claims and temporary files last modified
// before cutoff. Entries are left behind when a record is dropped while
// focused; nothing else would ever take them. Prune returns the bytes freed.
func (s *Stash) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []stashFile
	walkErr := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, stashFile{path: path, size: info.Size()})
		}
		return nil
	})
	if errors.Is(walkErr, os.ErrNotExist) {
		return 0, nil
	}
	if walkErr != nil {
		return 0, walkErr
	}

	// Content before sidecars, so a concurrent Open misses cleanly instead
	// of finding content without its digest.
	sort.Slice(stale, func(i, j int) bool {
		si, sj := strings.HasSuffix(stale[i].path, digestSuffix), strings.HasSuffix(stale[j].path, digestSuffix)
		if si != sj {
			return sj
		}
		return stale[i].path < stale[j].path
	})

	var freed int64
	for _, f := range stale {
		if err := os.Remove(f.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, err
		}
		freed += f.size
	}
	if len(stale) > 0 {
		s.log().Info("pruned stash", "files", len(stale), "bytes", freed, "cutoff", cutoff)
	}
	return freed, nil
}
