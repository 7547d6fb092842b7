package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "db", "lbu.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testResult(path string, stamp uint32) *sfs.ReplaceResult {
	return &sfs.ReplaceResult{
		Path:     path,
		Member:   path + ".1700000000",
		Stamp:    stamp,
		Size:     4096,
		Algo:     sfs.AlgoSHA256,
		Checksum: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Backup:   path + ".OLD.1700000100",
	}
}

func TestRecordAndListReplacements(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordReplacement(ctx, "10-foo.sfs", testResult("/boot/10-foo.sfs", 1)))
	require.NoError(t, st.RecordReplacement(ctx, "10-foo.sfs", testResult("/boot/10-foo.sfs", 2)))
	require.NoError(t, st.RecordReplacement(ctx, "20-bar.sfs", testResult("/boot/20-bar.sfs", 3)))

	all, err := st.ListReplacements(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	foo, err := st.ListReplacements(ctx, "10-foo.sfs")
	require.NoError(t, err)
	require.Len(t, foo, 2)
	assert.Equal(t, uint32(2), foo[0].Stamp, "newest first")
	assert.Equal(t, "/boot/10-foo.sfs.1700000000", foo[0].Member)
	assert.Equal(t, int64(4096), foo[0].Size)
	assert.Equal(t, sfs.AlgoSHA256, foo[0].Algo)
	assert.Equal(t, "/boot/10-foo.sfs.OLD.1700000100", foo[0].Backup)
	assert.WithinDuration(t, time.Now(), foo[0].ReplacedAt, time.Minute)
}

func TestListReplacementsEmpty(t *testing.T) {
	st := newTestStore(t)

	got, err := st.ListReplacements(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestReplacement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.LatestReplacement(ctx, "/boot/10-foo.sfs")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.RecordReplacement(ctx, "10-foo.sfs", testResult("/boot/10-foo.sfs", 1)))
	require.NoError(t, st.RecordReplacement(ctx, "10-foo.sfs", testResult("/boot/10-foo.sfs", 5)))

	got, err := st.LatestReplacement(ctx, "/boot/10-foo.sfs")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.Stamp)
}

func TestRecordAndListBuilds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	ok := &Build{
		Name: "10-foo.sfs", Path: "/boot/10-foo.sfs",
		Source: "https://example.com/foo.git#main", Commit: "abc123",
		State: "done", StartedAt: start, FinishedAt: start.Add(30 * time.Second),
	}
	require.NoError(t, st.RecordBuild(ctx, ok))
	assert.NotZero(t, ok.ID)

	failed := &Build{
		Name: "20-bar.sfs", Path: "/boot/20-bar.sfs",
		State: "aborted", Error: "build aborted", StartedAt: start, FinishedAt: start,
	}
	require.NoError(t, st.RecordBuild(ctx, failed))

	all, err := st.ListBuilds(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "aborted", all[0].State)

	foo, err := st.ListBuilds(ctx, "10-foo.sfs")
	require.NoError(t, err)
	require.Len(t, foo, 1)
	assert.Equal(t, "abc123", foo[0].Commit)
	assert.Equal(t, "https://example.com/foo.git#main", foo[0].Source)
	assert.True(t, start.Equal(foo[0].StartedAt))
	assert.Equal(t, 30*time.Second, foo[0].FinishedAt.Sub(foo[0].StartedAt))
}

func TestRetryOnBusy(t *testing.T) {
	assert.False(t, isBusyLock(nil))
	assert.True(t, isBusyLock(errors.New("database is locked (5) (SQLITE_BUSY)")))

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
