package sfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(pkgs []*Package) []string {
	var out []string
	for _, p := range pkgs {
		out = append(out, p.Path())
	}
	return out
}

func TestDirectoryPackages(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "20-b.sfs"), 1, "")
	writeImage(t, filepath.Join(root, "10-a.sfs"), 1, "")
	writeImage(t, filepath.Join(root, "sub", "30-c.sfs"), 1, "")
	writeImage(t, filepath.Join(root, "sub", "deep", "er", "40-d.sfs"), 1, "")
	writeImage(t, filepath.Join(root, ".hidden", "50-e.sfs"), 1, "")
	writeImage(t, filepath.Join(root, "notes.txt"), 1, "")

	pkgs, err := NewDirectory(root, 1).Packages()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "10-a.sfs"),
		filepath.Join(root, "20-b.sfs"),
		filepath.Join(root, "sub", "30-c.sfs"),
	}, names(pkgs))
}

func TestNewDirectory_SingleFile(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "10-a.sfs"), 1, "")
	writeImage(t, filepath.Join(root, "20-b.sfs"), 1, "")

	d := NewDirectory(filepath.Join(root, "20-b.sfs"), 3)
	assert.Equal(t, root, d.Root)
	assert.Equal(t, 0, d.Depth)

	pkgs, err := d.Packages()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "20-b.sfs")}, names(pkgs))
}

func TestDirectoryMissing(t *testing.T) {
	_, err := NewDirectory("/nonexistent/dir/x", 1).Packages()
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "10-a.sfs"), 1, "")
	d := NewDirectory(root, 0)

	p, err := Find(d, "a")
	require.NoError(t, err)
	assert.Equal(t, "10-a.sfs", p.Name().String())

	_, err = Find(d, "zzz")
	assert.ErrorIs(t, err, ErrNoPackage)
}

func TestDirectoryFindImage_Newest(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "x", "10-a.sfs"), 5, "")
	writeImage(t, filepath.Join(root, "y", "10-a.sfs"), 9, "")
	writeImage(t, filepath.Join(root, "z", "10-a.sfs"), 7, "")

	img, err := NewDirectory(root, 1).FindImage(context.Background(), "10-a.sfs")
	require.NoError(t, err)
	stamp, err := img.Stamp()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), stamp)

	_, err = NewDirectory(root, 1).FindImage(context.Background(), "b.sfs")
	assert.ErrorIs(t, err, ErrNoPackage)
}

// fakeLayered builds a fake /proc and /sys describing an aufs root with
// two loop-mounted packages, one plain directory branch and one loop
// device backed by a non-package file.
func fakeLayered(t *testing.T) (*Layered, string) {
	t.Helper()
	tmp := t.TempDir()
	proc := filepath.Join(tmp, "proc")
	sys := filepath.Join(tmp, "sys")
	store := filepath.Join(tmp, "store")
	parts := filepath.Join(tmp, "parts")

	writeImage(t, filepath.Join(store, "00-base.sfs.100"), 100, "")
	require.NoError(t, os.Symlink("00-base.sfs.100", filepath.Join(store, "00-base.sfs")))
	writeImage(t, filepath.Join(store, "10-tools.sfs"), 200, "")
	require.NoError(t, os.WriteFile(filepath.Join(store, "junk.img"), []byte("not squashfs"), 0644))

	mounts := fmt.Sprintf(`1 0 0:21 / /union rw - aufs none rw,si=abc
2 1 0:22 / %[1]s/rw rw - tmpfs tmpfs rw
3 1 7:0 / %[1]s/00-base ro - squashfs /dev/loop0 ro
4 1 7:1 / %[1]s/10-tools ro - squashfs /dev/loop1 ro
5 1 7:2 / %[1]s/junk ro - squashfs /dev/loop2 ro
`, parts)
	write := func(path, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write(filepath.Join(proc, "self", "mountinfo"), mounts)
	si := filepath.Join(sys, "fs", "aufs", "si_abc")
	write(filepath.Join(si, "br0"), parts+"/rw=rw")
	write(filepath.Join(si, "br1"), parts+"/10-tools=rr")
	write(filepath.Join(si, "br2"), parts+"/junk=rr")
	write(filepath.Join(si, "br3"), parts+"/00-base=rr")
	write(filepath.Join(sys, "block", "loop0", "loop", "backing_file"), filepath.Join(store, "00-base.sfs.100")+"\n")
	write(filepath.Join(sys, "block", "loop1", "loop", "backing_file"), filepath.Join(store, "10-tools.sfs")+"\n")
	write(filepath.Join(sys, "block", "loop2", "loop", "backing_file"), filepath.Join(store, "junk.img")+"\n")

	return &Layered{
		Reader:     &mountinfo.Reader{ProcRoot: proc, SysRoot: sys},
		MountPoint: "/union",
		Logger:     testLogger(),
	}, store
}

func TestLayeredComponents(t *testing.T) {
	l, store := fakeLayered(t)

	comps, err := l.Components()
	require.NoError(t, err)
	require.Len(t, comps, 4)

	assert.Nil(t, comps[0].Package)
	assert.True(t, comps[0].Writable)
	assert.Contains(t, comps[0].Reason, "not a loop device")

	require.NotNil(t, comps[1].Package)
	assert.Equal(t, filepath.Join(store, "10-tools.sfs"), comps[1].Package.Path())

	assert.Nil(t, comps[2].Package)
	assert.Equal(t, ErrNotPackage.Error(), comps[2].Reason)
	assert.Equal(t, "/dev/loop2", comps[2].Source)

	require.NotNil(t, comps[3].Package)
	assert.Equal(t, filepath.Join(store, "00-base.sfs.100"), comps[3].BackingFile)
}

func TestLayeredPackages_MapsToSlot(t *testing.T) {
	l, store := fakeLayered(t)

	pkgs, err := l.Packages()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(store, "10-tools.sfs"),
		filepath.Join(store, "00-base.sfs"),
	}, names(pkgs))

	assert.Equal(t, []string{
		filepath.Join(store, "00-base.sfs"),
		filepath.Join(store, "10-tools.sfs"),
	}, names(Reversed(pkgs)))
}

func TestLayeredPackages_SlotMovedOn(t *testing.T) {
	l, store := fakeLayered(t)
	writeImage(t, filepath.Join(store, "00-base.sfs.300"), 300, "")
	require.NoError(t, os.Remove(filepath.Join(store, "00-base.sfs")))
	require.NoError(t, os.Symlink("00-base.sfs.300", filepath.Join(store, "00-base.sfs")))

	pkgs, err := l.Packages()
	require.NoError(t, err)
	assert.Contains(t, names(pkgs), filepath.Join(store, "00-base.sfs.100"))
}

func TestLayeredNotMounted(t *testing.T) {
	l, _ := fakeLayered(t)
	l.MountPoint = "/elsewhere"
	_, err := l.Components()
	assert.ErrorIs(t, err, mountinfo.ErrNoMountPoint)
}
