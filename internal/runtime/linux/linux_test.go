//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "pkg.lock")

	l, err := TryLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), Holder(path))

	// flock is per open file description, so a second open in the same
	// process conflicts too.
	_, err = TryLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestHolder_Unknown(t *testing.T) {
	dir := t.TempDir()
	assert.Zero(t, Holder(filepath.Join(dir, "missing.lock")))

	path := filepath.Join(dir, "junk.lock")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))
	assert.Zero(t, Holder(path))

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1234)+"\n"), 0644))
	assert.Equal(t, 1234, Holder(path))
}

func TestFilesystems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filesystems")
	data := "nodev\tsysfs\nnodev\ttmpfs\n\text4\nnodev\toverlay\n\tsquashfs\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	fs, err := Filesystems(path)
	require.NoError(t, err)
	assert.True(t, fs["overlay"])
	assert.True(t, fs["squashfs"])
	assert.True(t, fs["ext4"])
	assert.False(t, fs["aufs"])
	assert.False(t, fs["nodev"])
}

func TestFilesystems_Missing(t *testing.T) {
	_, err := Filesystems(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestMissingTools(t *testing.T) {
	assert.Equal(t, []string{"lbu-no-such-tool"}, MissingTools("sh", "lbu-no-such-tool"))
}

func TestUnionOptions(t *testing.T) {
	opts, err := UnionOptions("overlay", "/u", "/w", []string{"/a", "/b"})
	require.NoError(t, err)
	assert.Equal(t, "lowerdir=/a:/b,upperdir=/u,workdir=/w", opts)

	opts, err = UnionOptions("aufs", "/u", "/w", []string{"/a", "/b"})
	require.NoError(t, err)
	assert.Equal(t, "br=/u=rw:/a=ro:/b=ro", opts)

	_, err = UnionOptions("btrfs", "/u", "/w", nil)
	assert.Error(t, err)
}

func TestHost_UnsupportedUnion(t *testing.T) {
	dir := t.TempDir()
	err := Host{}.Combined(t.Context(), "btrfs", filepath.Join(dir, "mnt"),
		filepath.Join(dir, "upper"), filepath.Join(dir, "work"), []string{dir})
	assert.ErrorContains(t, err, "unsupported union filesystem")
}

func TestProbeUnion_Unsupported(t *testing.T) {
	assert.ErrorContains(t, ProbeUnion(t.Context(), "btrfs"), "unsupported union filesystem")
}

func TestProbeUnion_Overlay(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("needs root")
	}
	fs, err := Filesystems("/proc/filesystems")
	require.NoError(t, err)
	if !fs["overlay"] {
		t.Skip("overlay not supported by this kernel")
	}
	assert.NoError(t, ProbeUnion(t.Context(), "overlay"))
}
