package source

import (
	"context"
	"testing"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoLastCommitAndStamp(t *testing.T) {
	r := &MockRunner{}
	repo := &Repo{Dir: "/src/r", Runner: r}
	r.On("Run", "git log -1 --format=%H").Return(&command.Result{Stdout: "abc123"}, nil)
	r.On("Run", "git log -1 --format=%ct").Return(&command.Result{Stdout: "1700000000"}, nil)

	commit, err := repo.LastCommit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)

	stamp, err := repo.LastStamp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), stamp)
	assert.Equal(t, "/src/r", r.cmds[0].Dir)
}

func TestRepoSourceURL(t *testing.T) {
	r := &MockRunner{}
	repo := &Repo{Dir: "/src/r", Runner: r}
	r.On("Run", "git rev-parse --abbrev-ref @{upstream}").Return(&command.Result{Stdout: "origin/main"}, nil)
	r.On("Run", "git config --get remote.origin.url").Return(&command.Result{Stdout: "https://h/r.git"}, nil)

	url, err := repo.SourceURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://h/r.git#main", url)
}

func TestRepoSourceURL_NoUpstream(t *testing.T) {
	r := &MockRunner{}
	repo := &Repo{Dir: "/src/r", Runner: r}
	r.On("Run", "git rev-parse --abbrev-ref @{upstream}").
		Return(nil, &command.FailedError{ExitCode: 128, Stderr: "no upstream"})

	url, err := repo.SourceURL(context.Background())
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestRepoArchive(t *testing.T) {
	r := &MockRunner{}
	dir := t.TempDir()
	repo := &Repo{Dir: dir, Runner: r, Env: map[string]string{"http_proxy": "p"}}
	r.On("Run", "sh -c "+archiveScript).Return(&command.Result{}, nil)

	require.NoError(t, repo.Archive(context.Background(), "/dest"))
	cmd := r.cmds[0]
	assert.True(t, cmd.AsRoot)
	assert.Equal(t, "/dest", cmd.Env["DESTDIR"])
	assert.Equal(t, dir, cmd.Env["SRC"])
	assert.Equal(t, "p", cmd.Env["http_proxy"])
	assert.NotEmpty(t, cmd.Env["SUDO_UID"])
}
