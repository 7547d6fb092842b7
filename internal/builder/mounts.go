package builder

import (
	"context"
	"fmt"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime/linux"
)

// Mounts performs the mounts a build needs.
type Mounts interface {
	Tmpfs(ctx context.Context, name, target string) error
	// Combined mounts a union of lowers (top first) below upper. work is
	// scratch space for overlay on the same filesystem as upper.
	Combined(ctx context.Context, fsType, target, upper, work string, lowers []string) error
	Unmount(ctx context.Context, target string) error
}

// CommandMounts performs mounts through mount(8), elevated with sudo when
// not running as root.
type CommandMounts struct {
	Runner command.Runner
}

func (m CommandMounts) run(ctx context.Context, args ...string) error {
	_, err := m.Runner.Run(ctx, command.Cmd{Args: args, AsRoot: true})
	return err
}

func (m CommandMounts) Tmpfs(ctx context.Context, name, target string) error {
	if err := m.run(ctx, "mkdir", "-p", target); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	if err := m.run(ctx, "mount", "-t", "tmpfs", "-o", "mode=0755", name, target); err != nil {
		return fmt.Errorf("mount tmpfs %s: %w", target, err)
	}
	return nil
}

func (m CommandMounts) Combined(ctx context.Context, fsType, target, upper, work string, lowers []string) error {
	if err := m.run(ctx, "mkdir", "-p", target, upper, work); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	opts, err := linux.UnionOptions(fsType, upper, work, lowers)
	if err != nil {
		return err
	}
	if err := m.run(ctx, "mount", "-t", fsType, "-o", opts, fsType, target); err != nil {
		return fmt.Errorf("mount %s %s: %w", fsType, target, err)
	}
	return nil
}

// Remount changes the options of the mount at target, such as the branch
// edits aufs accepts.
func (m CommandMounts) Remount(ctx context.Context, target, opts string) error {
	if err := m.run(ctx, "mount", "-o", "remount,"+opts, target); err != nil {
		return fmt.Errorf("remount %s: %w", target, err)
	}
	return nil
}

func (m CommandMounts) Unmount(ctx context.Context, target string) error {
	if err := m.run(ctx, "umount", "-l", target); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}
