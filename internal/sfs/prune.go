package sfs

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Prune removes "*.sfs.OLD*" backups below root. A backup that is a local
// symlink also takes its target with it, unless some current "*.sfs" slot
// in the same directory still resolves to that target. With dryRun set
// nothing is removed. The returned paths are sorted.
func Prune(root string, dryRun bool, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	victims := map[string]struct{}{}

	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if de.IsDir() {
			if path != root && strings.HasPrefix(de.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match("*.sfs.OLD*", de.Name()); !ok {
			return nil
		}
		if target, err := os.Readlink(path); err == nil && !strings.Contains(target, "/") {
			abs := filepath.Join(filepath.Dir(path), target)
			if !isCurrent(abs) {
				victims[abs] = struct{}{}
			}
		}
		victims[path] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	out := make([]string, 0, len(victims))
	for p := range victims {
		out = append(out, p)
	}
	sort.Strings(out)

	removed := out[:0]
	for _, p := range out {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		logger.Info("unlinking", "path", p)
		if !dryRun {
			if err := os.Remove(p); err != nil {
				logger.Warn("could not unlink", "path", p, "error", err)
				continue
			}
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// isCurrent reports whether any "*.sfs" slot beside target resolves to it.
func isCurrent(target string) bool {
	tfi, err := os.Stat(target)
	if err != nil {
		return false
	}
	slots, _ := filepath.Glob(filepath.Join(filepath.Dir(target), "*.sfs"))
	for _, s := range slots {
		if fi, err := os.Stat(s); err == nil && os.SameFile(fi, tfi) {
			return true
		}
	}
	return false
}
