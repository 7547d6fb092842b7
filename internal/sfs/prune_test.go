package sfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pruneFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "10-a.sfs.100"), 100, "")
	writeImage(t, filepath.Join(dir, "10-a.sfs.200"), 200, "")
	writeImage(t, filepath.Join(dir, "10-a.sfs.300"), 300, "")
	require.NoError(t, os.Symlink("10-a.sfs.300", filepath.Join(dir, "10-a.sfs")))
	require.NoError(t, os.Symlink("10-a.sfs.100", filepath.Join(dir, "10-a.sfs.OLD.1")))
	require.NoError(t, os.Symlink("10-a.sfs.300", filepath.Join(dir, "10-a.sfs.OLD.2")))
	writeImage(t, filepath.Join(dir, "20-b.sfs.OLD.5"), 5, "")
	writeImage(t, filepath.Join(dir, "20-b.sfs"), 6, "")
	return dir
}

func TestPrune(t *testing.T) {
	dir := pruneFixture(t)

	removed, err := Prune(dir, false, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "10-a.sfs.100"),
		filepath.Join(dir, "10-a.sfs.OLD.1"),
		filepath.Join(dir, "10-a.sfs.OLD.2"),
		filepath.Join(dir, "20-b.sfs.OLD.5"),
	}, removed)

	assertEntries(t, dir, "10-a.sfs", "10-a.sfs.200", "10-a.sfs.300", "20-b.sfs")
}

func TestPrune_DryRun(t *testing.T) {
	dir := pruneFixture(t)

	removed, err := Prune(dir, true, testLogger())
	require.NoError(t, err)
	assert.Len(t, removed, 4)
	assert.FileExists(t, filepath.Join(dir, "10-a.sfs.100"))
	assert.FileExists(t, filepath.Join(dir, "20-b.sfs.OLD.5"))
}

func TestPrune_ExternalLinkTargetKept(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(t.TempDir(), "keep.sfs")
	writeImage(t, other, 1, "")
	require.NoError(t, os.Symlink(other, filepath.Join(dir, "x.sfs.OLD.1")))

	_, err := Prune(dir, false, testLogger())
	require.NoError(t, err)
	assert.FileExists(t, other)
	assert.NoFileExists(t, filepath.Join(dir, "x.sfs.OLD.1"))
}
