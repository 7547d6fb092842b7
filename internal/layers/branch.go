package layers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

var (
	ErrNotAufs   = errors.New("not an aufs mount")
	ErrNotBranch = errors.New("not a branch of the union")
)

// BranchUpdater replaces a loop-mounted branch of a live aufs union with
// the image its package slot now points to.
type BranchUpdater struct {
	Reader  *mountinfo.Reader
	Mounter sfs.Mounter
	Mounts  Remounter
	Runner  command.Runner
	Logger  *slog.Logger
}

// BranchUpdate reports a branch swap.
type BranchUpdate struct {
	Index int    `json:"index"`
	Old   string `json:"old"`
	New   string `json:"new"`
	// Dir is the branch now serving the package.
	Dir     string `json:"dir"`
	Changed bool   `json:"changed"`
}

// UpdateBranch swaps the branch mounted at branch within the aufs mount at
// union. The new image is inserted at the old branch's position before
// the old branch is deleted, so the union never lacks the package. The
// old branch is then unmounted and its directory removed.
func (u *BranchUpdater) UpdateBranch(ctx context.Context, branch, union string) (*BranchUpdate, error) {
	if b := strings.TrimRight(branch, "/"); b != "" {
		branch = b
	}
	table, err := u.Reader.Table()
	if err != nil {
		return nil, err
	}
	e, ok := table.Lookup(branch)
	if !ok {
		return nil, fmt.Errorf("%s: %w", branch, mountinfo.ErrNoMountPoint)
	}
	backing, err := u.Reader.LoopBackingFile(e.Source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", branch, err)
	}

	cur := sfs.New(backing).Current(true)
	res := &BranchUpdate{Old: backing, New: cur.Path(), Dir: branch}
	if samePath(backing, cur.Path()) {
		u.Logger.Info("already up to date", "package", backing)
		return res, nil
	}
	u.Logger.Info("updating branch", "branch", branch, "old", backing, "new", cur.Path())

	top, ok := table.Lookup(union)
	if !ok {
		return nil, fmt.Errorf("%s: %w", union, mountinfo.ErrNoMountPoint)
	}
	if top.FSType != "aufs" {
		return nil, fmt.Errorf("%s (%s): %w", union, top.FSType, ErrNotAufs)
	}
	layers, err := u.Reader.Components(top)
	if err != nil {
		return nil, err
	}
	idx := branchIndex(layers, branch)
	if idx < 0 {
		return nil, fmt.Errorf("%s in %s: %w", branch, union, ErrNotBranch)
	}
	res.Index = layers[idx].Index

	mnt, err := u.Mounter.Mount(ctx, cur)
	if err != nil {
		return nil, err
	}
	res.Dir = mnt.Dir

	if have := branchIndex(layers, mnt.Dir); have >= 0 {
		u.Logger.Warn("updated package already a branch", "old_index", res.Index, "new_index", layers[have].Index)
	} else if err := u.Mounts.Remount(ctx, union, fmt.Sprintf("ins:%d:%s=rr", res.Index, mnt.Dir)); err != nil {
		if rerr := mnt.Release(ctx); rerr != nil {
			u.Logger.Warn("cannot release new branch", "dir", mnt.Dir, "error", rerr)
		}
		return nil, fmt.Errorf("insert branch %s: %w", mnt.Dir, err)
	}
	if err := u.Mounts.Remount(ctx, union, "del:"+branch); err != nil {
		return nil, fmt.Errorf("delete branch %s: %w", branch, err)
	}
	res.Changed = true

	if err := u.Mounts.Unmount(ctx, branch); err != nil {
		return res, err
	}
	if _, err := u.Runner.Run(ctx, command.Cmd{Args: []string{"rmdir", branch}, AsRoot: true}); err != nil {
		u.Logger.Warn("cannot remove old branch dir", "dir", branch, "error", err)
	}
	return res, nil
}

func branchIndex(layers []mountinfo.Layer, dir string) int {
	for i, l := range layers {
		if filepath.Clean(l.Path) == filepath.Clean(dir) {
			return i
		}
	}
	return -1
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false
	}
	rb, err := filepath.EvalSymlinks(b)
	return err == nil && ra == rb
}
