//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// UnionOptions renders the mount options stacking lowers (top first)
// read-only below the writable upper. work is only used by overlay.
func UnionOptions(fsType, upper, work string, lowers []string) (string, error) {
	switch fsType {
	case "overlay":
		return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lowers, ":"), upper, work), nil
	case "aufs":
		br := make([]string, 0, len(lowers)+1)
		br = append(br, upper+"=rw")
		for _, l := range lowers {
			br = append(br, l+"=ro")
		}
		return "br=" + strings.Join(br, ":"), nil
	default:
		return "", fmt.Errorf("unsupported union filesystem %q", fsType)
	}
}

func BindMount(src, dst string, recursive bool) error {
	flags := unix.MS_BIND
	if recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(src, dst, "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// MountTmpfs mounts a tmpfs on target. A zero size leaves the kernel
// default (half of RAM).
func MountTmpfs(name, target string, sizeBytes int64, mode os.FileMode) error {
	opts := fmt.Sprintf("mode=%04o", mode.Perm())
	if sizeBytes > 0 {
		opts += fmt.Sprintf(",size=%d", sizeBytes)
	}
	if err := unix.Mount(name, target, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("mount tmpfs %s: %w", target, err)
	}
	return nil
}

func UmountDetach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// Host performs build mounts directly through mount(2). It needs
// CAP_SYS_ADMIN.
type Host struct {
	TmpfsSize int64
}

func (h Host) Tmpfs(ctx context.Context, name, target string) error {
	if err := MkdirAll(target); err != nil {
		return err
	}
	return MountTmpfs(name, target, h.TmpfsSize, 0755)
}

// Combined mounts a union of lowers below a writable upper directory.
// work is only used by overlay and must be on the same filesystem as upper.
func (h Host) Combined(ctx context.Context, fsType, target, upper, work string, lowers []string) error {
	opts, err := UnionOptions(fsType, upper, work, lowers)
	if err != nil {
		return err
	}
	for _, d := range []string{target, upper, work} {
		if err := MkdirAll(d); err != nil {
			return err
		}
	}
	if err := unix.Mount(fsType, target, fsType, 0, opts); err != nil {
		return fmt.Errorf("mount %s %s: %w", fsType, target, err)
	}
	return nil
}

func (h Host) Remount(ctx context.Context, target, opts string) error {
	if err := unix.Mount("", target, "", unix.MS_REMOUNT, opts); err != nil {
		return fmt.Errorf("remount %s: %w", target, err)
	}
	return nil
}

func (h Host) Unmount(ctx context.Context, target string) error {
	return UmountDetach(target)
}
