package sfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
)

// Mounter makes a package's contents available as a directory.
type Mounter interface {
	Mount(ctx context.Context, p *Package) (*Mount, error)
}

// Mount is a scoped handle on a mounted package.
type Mount struct {
	Dir     string
	release func(ctx context.Context) error
}

// Release unmounts when this handle performed the mount. Safe to call
// more than once.
func (m *Mount) Release(ctx context.Context) error {
	if m == nil || m.release == nil {
		return nil
	}
	rel := m.release
	m.release = nil
	return rel(ctx)
}

// WithMount runs fn with the package mounted and releases the mount on
// every exit path.
func (p *Package) WithMount(ctx context.Context, m Mounter, fn func(dir string) error) (err error) {
	mnt, err := m.Mount(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := mnt.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(mnt.Dir)
}

// MountDirName is the parts directory entry for a package:
// "<priority>-<stripped>.<stamp>", priority 99 when none is set.
func MountDirName(n Name, stamp uint32) string {
	prio, ok := n.Priority()
	if !ok {
		prio = 99
	}
	return fmt.Sprintf("%02d-%s.%d", prio, n.Stripped(), stamp)
}

// LoopMounter mounts packages read-only through loop devices, reusing an
// existing loop mount of the same file.
type LoopMounter struct {
	Reader   *mountinfo.Reader
	Runner   command.Runner
	PartsDir string
	Logger   *slog.Logger
}

func (lm *LoopMounter) Mount(ctx context.Context, p *Package) (*Mount, error) {
	real, err := filepath.EvalSymlinks(p.Path())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.Path(), err)
	}
	stamp, err := p.Stamp()
	if err != nil {
		return nil, err
	}

	table, err := lm.Reader.Table()
	if err != nil {
		return nil, err
	}
	if ld, err := lm.Reader.LoopDeviceFor(real); err == nil && ld != nil && ld.Dev != "" {
		if e, ok := table.FindDevice(ld.Dev); ok {
			lm.Logger.Debug("package already mounted", "package", p.Path(), "dir", e.MountPoint)
			return &Mount{Dir: e.MountPoint}, nil
		}
	}

	dir := filepath.Join(lm.PartsDir, MountDirName(p.Name(), stamp))
	if _, ok := table.Lookup(dir); ok {
		return &Mount{Dir: dir}, nil
	}

	if _, err := lm.Runner.Run(ctx, command.Cmd{Args: []string{"mkdir", "-p", dir}, AsRoot: true}); err != nil {
		return nil, fmt.Errorf("create mount dir: %w", err)
	}
	if _, err := lm.Runner.Run(ctx, command.Cmd{
		Args:   []string{"mount", "-o", "loop,ro", real, dir},
		AsRoot: true,
	}); err != nil {
		return nil, fmt.Errorf("mount %s: %w", p.Path(), err)
	}
	lm.Logger.Debug("mounted package", "package", p.Path(), "dir", dir)

	return &Mount{
		Dir: dir,
		release: func(ctx context.Context) error {
			if _, err := lm.Runner.Run(ctx, command.Cmd{Args: []string{"umount", "-l", dir}, AsRoot: true}); err != nil {
				return fmt.Errorf("unmount %s: %w", dir, err)
			}
			if _, err := lm.Runner.Run(ctx, command.Cmd{Args: []string{"rmdir", dir}, AsRoot: true}); err != nil {
				lm.Logger.Warn("cannot remove mount dir", "dir", dir, "error", err)
			}
			return nil
		},
	}, nil
}

// DirMounter serves packages that are already unpacked below Root, keyed
// by MountDirName. Used for unpacked trees and in tests.
type DirMounter struct {
	Root string
}

func (dm DirMounter) Mount(ctx context.Context, p *Package) (*Mount, error) {
	stamp, err := p.Stamp()
	if err != nil {
		return nil, err
	}
	return &Mount{Dir: filepath.Join(dm.Root, MountDirName(p.Name(), stamp))}, nil
}
