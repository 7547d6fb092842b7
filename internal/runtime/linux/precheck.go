//go:build linux

package linux

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Filesystems lists the filesystem types the kernel supports, as read
// from a proc filesystems file ("nodev\toverlay").
func Filesystems(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		out[fields[len(fields)-1]] = true
	}
	return out, sc.Err()
}

// ProbeUnion mounts a throwaway union of two lowers with fsType the way
// builds do and checks that the top lower shadows the bottom one.
func ProbeUnion(ctx context.Context, fsType string) error {
	dir, err := os.MkdirTemp("", "lbu-union-probe-")
	if err != nil {
		return fmt.Errorf("union probe: %w", err)
	}
	defer os.RemoveAll(dir)

	top, bottom := filepath.Join(dir, "top"), filepath.Join(dir, "bottom")
	upper, work, mnt := filepath.Join(dir, "upper"), filepath.Join(dir, "work"), filepath.Join(dir, "mnt")
	for _, d := range []string{top, bottom, upper, work, mnt} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("union probe: %w", err)
		}
	}
	for d, content := range map[string]string{top: "top", bottom: "bottom"} {
		if err := os.WriteFile(filepath.Join(d, "probe"), []byte(content), 0644); err != nil {
			return fmt.Errorf("union probe: %w", err)
		}
	}

	var h Host
	if err := h.Combined(ctx, fsType, mnt, upper, work, []string{top, bottom}); err != nil {
		return fmt.Errorf("%s probe mount: %w", fsType, err)
	}
	defer h.Unmount(ctx, mnt)

	got, err := os.ReadFile(filepath.Join(mnt, "probe"))
	if err != nil {
		return fmt.Errorf("%s probe: %w", fsType, err)
	}
	if string(got) != "top" {
		return fmt.Errorf("%s probe: lower order not honoured, saw %q", fsType, got)
	}
	return nil
}

// MissingTools returns the names in tools not found in PATH.
func MissingTools(tools ...string) []string {
	var missing []string
	for _, t := range tools {
		if _, err := exec.LookPath(t); err != nil {
			missing = append(missing, t)
		}
	}
	return missing
}
