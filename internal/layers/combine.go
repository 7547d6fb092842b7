// Package layers assembles union mounts from packages and swaps the
// branches of a live union.
package layers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/builder"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

// Combiner mounts a union of packages and directories.
type Combiner struct {
	Mounter sfs.Mounter
	Mounts  builder.Mounts
	Finder  Finder
	// ScratchDir holds the tmpfs writable branch when none is given.
	ScratchDir string
	FSType     string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Combined describes a mounted union.
type Combined struct {
	Target string `json:"target"`
	FSType string `json:"fs_type"`
	// Lowers are the read-only branches, top first.
	Lowers []string `json:"lowers"`
	RW     string   `json:"rw"`
}

// Combine mounts parts, listed bottom first, as a union at target. A part
// is a directory, a package file or a package name looked up through
// Finder; packages are loop mounted unless already mounted. rw is the
// writable branch; empty means a fresh tmpfs below ScratchDir. The
// mounts stay in place on success and are undone on failure.
func (c *Combiner) Combine(ctx context.Context, target string, parts []string, rw string) (res *Combined, err error) {
	fsType := c.FSType
	if fsType == "" {
		fsType = "overlay"
	}
	var undo []func(ctx context.Context) error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](context.WithoutCancel(ctx)); uerr != nil {
				c.Logger.Warn("cannot undo mount", "error", uerr)
			}
		}
	}()

	dirs := make([]string, 0, len(parts))
	for _, part := range parts {
		dir, release, err := c.resolve(ctx, part)
		if err != nil {
			return nil, err
		}
		if release != nil {
			undo = append(undo, release)
		}
		dirs = append(dirs, dir)
	}

	if rw == "" {
		rw = filepath.Join(c.ScratchDir, fmt.Sprintf("comnt-rw-%d-%d", os.Getpid(), c.now().Unix()))
		if err := c.Mounts.Tmpfs(ctx, "comnt-rw", rw); err != nil {
			return nil, err
		}
		undo = append(undo, func(ctx context.Context) error { return c.Mounts.Unmount(ctx, rw) })
	} else {
		dirs = slices.DeleteFunc(dirs, func(d string) bool { return filepath.Clean(d) == filepath.Clean(rw) })
	}
	if len(dirs) == 0 {
		return nil, errors.New("no read-only parts to combine")
	}

	slices.Reverse(dirs)
	upper, work := filepath.Join(rw, "upper"), filepath.Join(rw, "work")
	if fsType == "aufs" {
		upper = rw
	}
	if err := c.Mounts.Combined(ctx, fsType, target, upper, work, dirs); err != nil {
		return nil, err
	}
	c.Logger.Info("combined mount", "target", target, "fs_type", fsType, "parts", len(dirs), "rw", rw)
	return &Combined{Target: target, FSType: fsType, Lowers: dirs, RW: rw}, nil
}

// resolve returns the directory for part and, when this call mounted it,
// how to unmount it.
func (c *Combiner) resolve(ctx context.Context, part string) (string, func(context.Context) error, error) {
	var p *sfs.Package
	if fi, err := os.Stat(part); err == nil && filepath.Base(part) != part {
		if fi.IsDir() {
			return part, nil, nil
		}
		p = sfs.New(part)
	} else {
		if p, err = c.Finder.Lookup(part); err != nil {
			return "", nil, err
		}
	}
	mnt, err := c.Mounter.Mount(ctx, p)
	if err != nil {
		return "", nil, err
	}
	return mnt.Dir, mnt.Release, nil
}

func (c *Combiner) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
