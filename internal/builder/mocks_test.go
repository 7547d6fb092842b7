package builder

import (
	"context"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/store"
)

func imageBytes(stamp uint32) []byte {
	b := make([]byte, 4096)
	copy(b, sfs.Magic)
	binary.LittleEndian.PutUint32(b[8:], stamp)
	return b
}

// fakeMounts emulates mounts with plain directories; a union mount gets a
// copy of its top lower.
type fakeMounts struct {
	calls []string
}

func (m *fakeMounts) Tmpfs(ctx context.Context, name, target string) error {
	m.calls = append(m.calls, "tmpfs "+target)
	return os.MkdirAll(target, 0755)
}

func (m *fakeMounts) Combined(ctx context.Context, fsType, target, upper, work string, lowers []string) error {
	m.calls = append(m.calls, fsType+" "+target+" "+strings.Join(lowers, ":"))
	return os.CopyFS(target, os.DirFS(lowers[0]))
}

func (m *fakeMounts) Unmount(ctx context.Context, target string) error {
	m.calls = append(m.calls, "umount "+target)
	return nil
}

// fakeRunner answers host commands. mksquashfs writes an image with
// stamp and snapshots the metadata the build left in the destination.
type fakeRunner struct {
	stamp   uint32
	outputs map[string]string
	cmds    []command.Cmd
	meta    map[string]string
	squash  []string
	// archive is written into $DESTDIR by the git export script.
	archive map[string]string
}

func (r *fakeRunner) Run(ctx context.Context, c command.Cmd) (*command.Result, error) {
	r.cmds = append(r.cmds, c)
	switch {
	case c.Args[0] == "mksquashfs":
		r.squash = c.Args
		r.meta = map[string]string{}
		for _, rel := range []string{sfs.EnvFile, sfs.GitSourceFile, sfs.GitCommitFile, "/usr/src/sfs.d/10-a"} {
			if data, err := os.ReadFile(filepath.Join(c.Args[1], rel)); err == nil {
				r.meta[rel] = string(data)
			}
		}
		return &command.Result{}, os.WriteFile(c.Args[2], imageBytes(r.stamp), 0644)
	case c.Args[0] == "cp":
		return &command.Result{}, os.CopyFS(c.Args[3], os.DirFS(strings.TrimSuffix(c.Args[2], "/.")))
	case c.Args[0] == "sh" && len(c.Args) == 3 && strings.Contains(c.Args[2], "git archive"):
		for rel, content := range r.archive {
			path := filepath.Join(c.Env["DESTDIR"], rel)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0755); err != nil {
				return nil, err
			}
		}
		return &command.Result{}, nil
	}
	key := strings.Join(c.Args, " ")
	if out, ok := r.outputs[key]; ok {
		return &command.Result{Stdout: out}, nil
	}
	return &command.Result{}, nil
}

// fakeDriver records sandbox commands and fails the ones listed in codes.
type fakeDriver struct {
	mu      sync.Mutex
	execs   [][]string
	ttys    [][]string
	codes   map[string]int
	created []runtime.CreateOpts
	removed []string
}

func (d *fakeDriver) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	d.created = append(d.created, opts)
	return "cid", nil
}

func (d *fakeDriver) Exec(ctx context.Context, id string, opts runtime.ExecOpts) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.TTY {
		d.ttys = append(d.ttys, opts.Cmd)
		return 0, nil
	}
	d.execs = append(d.execs, opts.Cmd)
	return d.codes[strings.Join(opts.Cmd, " ")], nil
}

func (d *fakeDriver) Remove(ctx context.Context, id string) error {
	d.removed = append(d.removed, id)
	return nil
}

func (d *fakeDriver) List(ctx context.Context) ([]runtime.ContainerInfo, error) { return nil, nil }
func (d *fakeDriver) Ping(ctx context.Context) error                            { return nil }
func (d *fakeDriver) Close() error                                              { return nil }

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchGit(ctx context.Context, ref string) (*source.Repo, error) {
	args := m.Called(ref)
	if repo := args.Get(0); repo != nil {
		return repo.(*source.Repo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFetcher) FetchURL(ctx context.Context, url, dest string) (string, error) {
	args := m.Called(url, dest)
	return args.String(0), args.Error(1)
}

func (m *MockFetcher) ProxyEnv() map[string]string {
	return map[string]string{}
}

type recordingLedger struct {
	replacements []*sfs.ReplaceResult
	builds       []*store.Build
}

func (l *recordingLedger) RecordReplacement(ctx context.Context, name string, res *sfs.ReplaceResult) error {
	l.replacements = append(l.replacements, res)
	return nil
}

func (l *recordingLedger) RecordBuild(ctx context.Context, b *store.Build) error {
	l.builds = append(l.builds, b)
	return nil
}

type recordingRegistry struct {
	registered []string
}

func (r *recordingRegistry) Register(p *sfs.Package) {
	r.registered = append(r.registered, p.Path())
}

func writeFiles(root string, files map[string]string) error {
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), fs.FileMode(0755)); err != nil {
			return err
		}
	}
	return nil
}

// staleness answers LatestStamp from a map keyed by package file name.
type staleness map[string]uint32

func (s staleness) LatestStamp(ctx context.Context, p *sfs.Package) (uint32, error) {
	return s[p.Name().String()], nil
}
