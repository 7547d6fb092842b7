package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openSession(t *testing.T, d *MockDriver) *Session {
	t.Helper()
	d.On("Create", mock.Anything).Return("cid-1", nil).Once()
	s, err := Open(context.Background(), d, Options{
		Name:        "rebuild-foo.123",
		Image:       "debian:stable",
		NetworkMode: "host",
		Init:        []string{"sleep", "7200"},
		Binds:       []runtime.Bind{{Source: "/tmp/dest", Target: DestDir}},
	}, testLogger())
	require.NoError(t, err)
	return s
}

func TestOpen_CreateOptions(t *testing.T) {
	d := &MockDriver{}
	s := openSession(t, d)

	opts := d.Calls[0].Arguments.Get(0).(runtime.CreateOpts)
	assert.True(t, strings.HasPrefix(opts.Name, "lbu-rebuild-foo.123-"))
	assert.Equal(t, s.Name, opts.Name)
	assert.Equal(t, "debian:stable", opts.Image)
	assert.Equal(t, "host", opts.NetworkMode)
	assert.Equal(t, []string{"sleep", "7200"}, opts.Init)
	assert.Equal(t, s.ID, opts.Labels[runtime.LabelSession])
	assert.Equal(t, strconv.Itoa(os.Getpid()), opts.Labels[runtime.LabelPID])
	assert.Equal(t, "rebuild-foo.123", opts.Labels[runtime.LabelTarget])
	assert.Equal(t, "cid-1", s.ContainerID)
}

func TestOpen_CreateFails(t *testing.T) {
	d := &MockDriver{}
	d.On("Create", mock.Anything).Return("", errors.New("no such image"))

	_, err := Open(context.Background(), d, Options{Name: "x", Image: "missing"}, testLogger())
	assert.ErrorContains(t, err, "no such image")
}

func TestSession_Run(t *testing.T) {
	d := &MockDriver{Output: "hello\n"}
	s := openSession(t, d)
	var out bytes.Buffer
	s.Stdout = &out

	d.On("Exec", "cid-1", []string{"apt-get", "update"}).Return(0, nil)
	require.NoError(t, s.Run(context.Background(), []string{"apt-get", "update"}, nil))
	assert.Equal(t, "hello\n", out.String())
}

func TestSession_RunNonZero(t *testing.T) {
	d := &MockDriver{}
	s := openSession(t, d)

	d.On("Exec", "cid-1", []string{"/destdir/usr/src/sfs.d/10-build"}).Return(3, nil)
	err := s.Run(context.Background(), []string{"/destdir/usr/src/sfs.d/10-build"}, nil)
	fe, ok := command.IsFailed(err)
	require.True(t, ok)
	assert.Equal(t, 3, fe.ExitCode)
}

func TestSession_RunFailureCarriesOutput(t *testing.T) {
	d := &MockDriver{
		Output:    strings.Repeat("x", 2*outputTail) + "compiling foo\n",
		ErrOutput: "foo.c:1: error: expected ';'\n",
	}
	s := openSession(t, d)
	var mirrored bytes.Buffer
	s.Stdout = &mirrored
	s.Stderr = &bytes.Buffer{}

	d.On("Exec", "cid-1", []string{"make"}).Return(2, nil)
	err := s.Run(context.Background(), []string{"make"}, nil)
	fe, ok := command.IsFailed(err)
	require.True(t, ok)
	assert.Equal(t, "foo.c:1: error: expected ';'", fe.Stderr)
	assert.Len(t, fe.Stdout, outputTail-1)
	assert.True(t, strings.HasSuffix(fe.Stdout, "compiling foo"))
	assert.ErrorContains(t, err, "expected ';'")
	assert.Equal(t, d.Output, mirrored.String())
}

func TestSession_RunDriverError(t *testing.T) {
	d := &MockDriver{}
	s := openSession(t, d)

	d.On("Exec", "cid-1", []string{"true"}).Return(-1, errors.New("connection reset"))
	err := s.Run(context.Background(), []string{"true"}, nil)
	_, failed := command.IsFailed(err)
	assert.False(t, failed)
	assert.ErrorContains(t, err, "connection reset")
}

func TestSession_CloseOnce(t *testing.T) {
	d := &MockDriver{}
	s := openSession(t, d)

	d.On("Remove", "cid-1").Return(nil).Once()
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	d.AssertNumberOfCalls(t, "Remove", 1)

	var nilSession *Session
	assert.NoError(t, nilSession.Close(context.Background()))
}

func TestParseBind(t *testing.T) {
	tests := []struct {
		in   string
		want runtime.Bind
	}{
		{"/srv/cache=var/cache", runtime.Bind{Source: "/srv/cache", Target: "/var/cache"}},
		{"/opt/x=/opt/x:ro", runtime.Bind{Source: "/opt/x", Target: "/opt/x", ReadOnly: true}},
		{"/a=b=c", runtime.Bind{Source: "/a", Target: "/b=c"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBind_Invalid(t *testing.T) {
	for _, in := range []string{"", "/only-src", "=dst", "src="} {
		_, err := ParseBind(in)
		assert.Error(t, err, in)
	}
}

func TestParseBinds(t *testing.T) {
	binds, err := ParseBinds([]string{"/a=b", "/c=d:ro"})
	require.NoError(t, err)
	require.Len(t, binds, 2)
	assert.Equal(t, "/a=/b", binds[0].String())
	assert.Equal(t, "/c=/d:ro", binds[1].String())

	_, err = ParseBinds([]string{"/a=b", "bogus"})
	assert.Error(t, err)
}

func TestDefaultEnv(t *testing.T) {
	getenv := func(k string) string {
		if k == "TERM" {
			return "xterm"
		}
		return ""
	}
	env := DefaultEnv(map[string]string{"http_proxy": "http://proxy:3128"}, getenv)

	assert.Equal(t, "xterm", env["TERM"])
	assert.Equal(t, "80", env["COLUMNS"])
	assert.Equal(t, "25", env["LINES"])
	assert.Equal(t, DestDir, env["DESTDIR"])
	assert.Equal(t, DLCache, env["dl_cache_dir"])
	assert.Equal(t, ToolDir, env["lbu"])
	assert.Equal(t, "1", env["SILENT_EXIT"])
	assert.Equal(t, "/root", env["HOME"])
	assert.Equal(t, "C.UTF-8", env["LANG"])
	assert.Equal(t, "http://proxy:3128", env["http_proxy"])
}

func TestEnvMod(t *testing.T) {
	defaults := map[string]string{"TERM": "linux", "HOME": "/root", "LANG": "C.UTF-8"}
	env := map[string]string{
		"TERM":         "linux",   // unchanged: dropped
		"HOME":         "/home/b", // changed
		"BUILD_SCRIPT": "make",    // new
	}

	mod := EnvMod(defaults, env)
	assert.Equal(t, sfs.Env{
		{Key: "BUILD_SCRIPT", Value: "make"},
		{Key: "HOME", Value: "/home/b"},
		{Key: "LANG", Value: ""},
	}, mod)
	assert.Equal(t, "BUILD_SCRIPT=make\nHOME=/home/b\nLANG=", mod.Format())
}

func TestEnvMod_NoChanges(t *testing.T) {
	defaults := map[string]string{"TERM": "linux"}
	assert.Empty(t, EnvMod(defaults, map[string]string{"TERM": "linux"}))
}
