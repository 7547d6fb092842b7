// Package builder rebuilds a package from its source inside a build
// sandbox and installs the result.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime/linux"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sandbox"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/store"
)

var (
	ErrBuildAborted = errors.New("build aborted")
	ErrBuildLocked  = errors.New("package is being rebuilt by another process")
)

type State string

const (
	StateProvisioning State = "provisioning"
	StateStaged       State = "staged"
	StateRunning      State = "running"
	StatePackaging    State = "packaging"
	StateDone         State = "done"
	StateAborted      State = "aborted"
)

// Fetcher makes remote sources available locally.
type Fetcher interface {
	FetchGit(ctx context.Context, ref string) (*source.Repo, error)
	FetchURL(ctx context.Context, url, dest string) (string, error)
	ProxyEnv() map[string]string
}

type Registrar interface {
	Register(p *sfs.Package)
}

type Ledger interface {
	RecordReplacement(ctx context.Context, name string, res *sfs.ReplaceResult) error
	RecordBuild(ctx context.Context, b *store.Build) error
}

type Config struct {
	RebuildDir  string
	LockDir     string
	DownloadDir string
	ToolDir     string
	// DestDir replaces the tmpfs destination for source builds.
	DestDir        string
	CombinedFSType string

	Image       string
	NetworkMode string
	Init        []string
	ExtraBinds  []runtime.Bind
	Tmpfs       []runtime.Tmpfs
	IndexUpdate []string

	Replace sfs.ReplaceOptions
	// Checksums picks the checksum list updated for a rebuilt package.
	Checksums func(p *sfs.Package) *sfs.ChecksumFile
}

type Builder struct {
	Config

	Mounter  sfs.Mounter
	Mounts   Mounts
	Runner   command.Runner
	Driver   runtime.Driver
	Fetcher  Fetcher
	Registry Registrar
	Ledger   Ledger

	// Interactive reports whether an operator can take over a failed
	// build; HostShell gives them a shell on the host.
	Interactive func() bool
	HostShell   func(ctx context.Context, dir string, env map[string]string, args []string) error
	Getenv      func(string) string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Request tunes one rebuild.
type Request struct {
	// Source overrides the recorded provenance: a git URL ("url#branch"),
	// a local checkout or tree, or an archive path or URL.
	Source string
	Env    map[string]string
	Binds  []runtime.Bind
}

// Rebuild rebuilds p from its recorded source.
func (b *Builder) Rebuild(ctx context.Context, p *sfs.Package) error {
	_, err := b.Build(ctx, p, Request{})
	return err
}

// Build runs the whole pipeline for p. The package is only touched once
// the new image has been produced; every resource taken on the way is
// released on return.
func (b *Builder) Build(ctx context.Context, p *sfs.Package, req Request) (res *sfs.ReplaceResult, err error) {
	bd := &build{
		b:      b,
		target: p,
		name:   fmt.Sprintf("rebuild-%s.%d", p.Name().Stripped(), os.Getpid()),
		state:  StateProvisioning,
		log:    b.logger().With("package", p.Name()),
	}
	bd.base = filepath.Join(b.RebuildDir, bd.name)
	record := &store.Build{Name: p.Name().String(), Path: p.Path(), StartedAt: b.now()}

	lock, err := b.lock(p)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	defer func() {
		if cerr := bd.cleanup(context.WithoutCancel(ctx)); cerr != nil {
			bd.log.Warn("cleanup incomplete", "error", cerr)
		}
		if err != nil {
			bd.state = StateAborted
			record.Error = err.Error()
		}
		record.State = string(bd.state)
		record.Source = bd.sourceRef
		record.Commit = bd.commit
		record.FinishedAt = b.now()
		if b.Ledger != nil {
			if lerr := b.Ledger.RecordBuild(context.WithoutCancel(ctx), record); lerr != nil {
				bd.log.Warn("cannot record build", "error", lerr)
			}
		}
	}()

	if err := bd.provision(ctx, req); err != nil {
		return nil, err
	}
	bd.setState(StateRunning)
	if err := bd.run(ctx); err != nil {
		return nil, err
	}
	bd.setState(StatePackaging)
	res, err = bd.pack(ctx)
	if err != nil {
		return nil, err
	}
	bd.setState(StateDone)
	return res, nil
}

func (b *Builder) lock(p *sfs.Package) (*linux.Lock, error) {
	key := p.Path()
	if real, err := filepath.EvalSymlinks(key); err == nil {
		key = real
	}
	key, _ = sfs.SlotName(key)
	key = strings.ReplaceAll(strings.Trim(key, "/"), "/", "_")
	path := filepath.Join(b.LockDir, key+".lock")

	l, err := linux.TryLock(path)
	if errors.Is(err, linux.ErrLocked) {
		return nil, fmt.Errorf("%s (pid %d): %w", p, linux.Holder(path), ErrBuildLocked)
	}
	return l, err
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) getenv(key string) string {
	if b.Getenv != nil {
		return b.Getenv(key)
	}
	return os.Getenv(key)
}

func (b *Builder) interactive() bool {
	return b.Interactive != nil && b.Interactive()
}

// build is the state of one Build call.
type build struct {
	b      *Builder
	target *sfs.Package
	name   string
	base   string
	dest   string
	state  State
	log    *slog.Logger

	sourceRef string
	commit    string
	repo      *source.Repo
	// tree is the unpacked source when it is not a git checkout.
	tree string

	defaults map[string]string
	env      map[string]string
	session  *sandbox.Session
	cleanups []func(ctx context.Context) error
}

func (bd *build) setState(s State) {
	bd.log.Debug("build state", "from", bd.state, "to", s)
	bd.state = s
}

func (bd *build) onCleanup(fn func(ctx context.Context) error) {
	bd.cleanups = append(bd.cleanups, fn)
}

func (bd *build) cleanup(ctx context.Context) error {
	var errs []error
	for i := len(bd.cleanups) - 1; i >= 0; i-- {
		if err := bd.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	bd.cleanups = nil
	return errors.Join(errs...)
}

func (bd *build) provision(ctx context.Context, req Request) error {
	b := bd.b
	bd.defaults = sandbox.DefaultEnv(b.Fetcher.ProxyEnv(), b.getenv)
	bd.env = make(map[string]string, len(bd.defaults))
	for k, v := range bd.defaults {
		bd.env[k] = v
	}

	ref := req.Source
	if ref == "" && bd.target.Exists() {
		prov, err := bd.target.Provenance(ctx, b.Mounter)
		if err != nil {
			return fmt.Errorf("read provenance of %s: %w", bd.target, err)
		}
		ref = prov.SourceRef()
		for _, kv := range prov.Env {
			bd.env[kv.Key] = kv.Value
		}
	}
	for k, v := range req.Env {
		bd.env[k] = v
	}
	bd.sourceRef = ref

	if err := os.MkdirAll(bd.base, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	bd.onCleanup(func(ctx context.Context) error {
		if err := os.RemoveAll(bd.base); err != nil {
			return fmt.Errorf("remove work dir: %w", err)
		}
		return nil
	})

	if err := bd.resolveSource(ctx, ref); err != nil {
		return err
	}
	if err := bd.prepareDest(ctx); err != nil {
		return err
	}
	bd.setState(StateStaged)
	return bd.openSandbox(ctx, req.Binds)
}

func (bd *build) resolveSource(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	b := bd.b
	r := source.Classify(strings.TrimPrefix(ref, "file://"))
	bd.log.Info("build source", "kind", r.Kind, "source", r.Location, "branch", r.Branch)

	switch r.Kind {
	case source.KindGitRepo:
		bd.repo = &source.Repo{Dir: r.Location, Runner: b.Runner, Env: b.Fetcher.ProxyEnv()}
	case source.KindGit:
		repo, err := b.Fetcher.FetchGit(ctx, r.Raw)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", r.Raw, err)
		}
		bd.repo = repo
	case source.KindHTTP:
		path, err := b.Fetcher.FetchURL(ctx, r.Location, filepath.Join(b.DownloadDir, source.CacheName(r.Location)))
		if err != nil {
			return fmt.Errorf("fetch %s: %w", r.Location, err)
		}
		return bd.unpack(path)
	default:
		fi, err := os.Stat(r.Location)
		if err != nil {
			return fmt.Errorf("source %s: %w", r.Location, err)
		}
		if fi.IsDir() {
			bd.tree = r.Location
			return nil
		}
		return bd.unpack(r.Location)
	}
	if c, err := bd.repo.LastCommit(ctx); err == nil {
		bd.commit = c
	}
	return nil
}

func (bd *build) unpack(archive string) error {
	if !source.IsArchive(archive) {
		return fmt.Errorf("%s: %w", archive, source.ErrUnsupported)
	}
	dir := filepath.Join(bd.base, "src")
	if err := source.ExtractFile(archive, dir); err != nil {
		return fmt.Errorf("unpack %s: %w", archive, err)
	}
	bd.tree = dir
	return nil
}

func (bd *build) hasSource() bool {
	return bd.repo != nil || bd.tree != ""
}

// sourcePath joins rel to the source tree, "" without one.
func (bd *build) sourcePath(rel string) string {
	switch {
	case bd.repo != nil:
		return bd.repo.Path(rel)
	case bd.tree != "":
		return filepath.Join(bd.tree, rel)
	}
	return ""
}

func (bd *build) mount(ctx context.Context, target string, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	bd.onCleanup(func(ctx context.Context) error { return bd.b.Mounts.Unmount(ctx, target) })
	return nil
}

func (bd *build) prepareDest(ctx context.Context) error {
	b := bd.b
	dest := filepath.Join(bd.base, "destdir")

	if !bd.hasSource() {
		if !bd.target.Exists() {
			return fmt.Errorf("%s does not exist and no source was given", bd.target)
		}
		mnt, err := b.Mounter.Mount(ctx, bd.target)
		if err != nil {
			return err
		}
		bd.onCleanup(mnt.Release)

		rw := filepath.Join(bd.base, "rw")
		if err := bd.mount(ctx, rw, func() error { return b.Mounts.Tmpfs(ctx, "lbu-rw", rw) }); err != nil {
			return err
		}
		fsType := b.CombinedFSType
		if fsType == "" {
			fsType = "overlay"
		}
		if err := bd.mount(ctx, dest, func() error {
			return b.Mounts.Combined(ctx, fsType, dest,
				filepath.Join(rw, "upper"), filepath.Join(rw, "work"), []string{mnt.Dir})
		}); err != nil {
			return err
		}
		bd.dest = dest
		return nil
	}

	if b.DestDir != "" {
		dest = b.DestDir
	} else if err := bd.mount(ctx, dest, func() error { return b.Mounts.Tmpfs(ctx, "destdir", dest) }); err != nil {
		return err
	}
	bd.dest = dest

	if bd.repo != nil {
		return bd.repo.Archive(ctx, dest)
	}
	if _, err := b.Runner.Run(ctx, command.Cmd{
		Args:   []string{"cp", "-a", bd.tree + "/.", dest},
		AsRoot: true,
	}); err != nil {
		return fmt.Errorf("copy %s: %w", bd.tree, err)
	}
	return nil
}

func (bd *build) openSandbox(ctx context.Context, extra []runtime.Bind) error {
	b := bd.b
	archives := filepath.Join(b.DownloadDir, "archives")
	lists := filepath.Join(b.DownloadDir, "lists")
	for _, d := range []string{archives, lists} {
		if err := os.MkdirAll(filepath.Join(d, "partial"), 0755); err != nil {
			return fmt.Errorf("create apt cache: %w", err)
		}
	}

	binds := []runtime.Bind{
		{Source: bd.dest, Target: sandbox.DestDir},
		{Source: b.DownloadDir, Target: sandbox.DLCache},
		{Source: b.ToolDir, Target: sandbox.ToolDir, ReadOnly: true},
		{Source: archives, Target: sandbox.AptCache},
		{Source: lists, Target: sandbox.AptLists},
	}
	binds = append(binds, b.ExtraBinds...)
	binds = append(binds, extra...)

	s, err := sandbox.Open(ctx, b.Driver, sandbox.Options{
		Name:        bd.name,
		Image:       b.Image,
		NetworkMode: b.NetworkMode,
		Init:        b.Init,
		Binds:       binds,
		Tmpfs:       b.Tmpfs,
	}, bd.log)
	if err != nil {
		return err
	}
	bd.session = s
	bd.onCleanup(s.Close)
	return nil
}

// buildShell gives the operator a host shell in the destination.
func (bd *build) buildShell(ctx context.Context) error {
	env := make(map[string]string, len(bd.env)+2)
	for k, v := range bd.env {
		env[k] = v
	}
	env["sfs_build_target"] = bd.target.Name().String()
	env["DESTDIR"] = bd.dest
	args := []string{"bash", "--rcfile", filepath.Join(bd.b.ToolDir, "scripts", "sfs_build_profile.sh"), "-i"}
	if err := bd.b.HostShell(ctx, bd.dest, env, args); err != nil {
		if fe, ok := command.IsFailed(err); ok {
			bd.log.Warn("build aborted from shell", "exit_code", fe.ExitCode)
			return ErrBuildAborted
		}
		return err
	}
	return nil
}

func (bd *build) inSandbox(ctx context.Context, cmd ...string) error {
	return bd.session.Run(ctx, cmd, bd.env)
}

// scripts returns the numbered build scripts shipped in the destination,
// ordered by name.
func (bd *build) scripts() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(bd.dest, sfs.SrcDir, "[0-9][0-9]-*"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

// HookName is the variable holding the command run before script,
// "BEFORE_BUILD_" plus the name with '-' and '.' turned into '_'.
func HookName(script string) string {
	return "BEFORE_BUILD_" + strings.NewReplacer("-", "_", ".", "_").Replace(script)
}

func (bd *build) run(ctx context.Context) error {
	b := bd.b
	if b.getenv("PRE_BUILD_SHELL") != "" {
		if err := bd.buildShell(ctx); err != nil {
			return err
		}
	}
	if script, ok := bd.env["PRE_BUILD_SCRIPT"]; ok {
		if _, err := b.Runner.Run(ctx, command.Cmd{
			Args:       []string{"sh", "-c", script, "_build.sh", bd.dest, bd.session.Name},
			Env:        bd.env,
			AsRoot:     true,
			ShowOutput: true,
		}); err != nil {
			return fmt.Errorf("PRE_BUILD_SCRIPT: %w", err)
		}
	}
	_, hasBuildScript := bd.env["BUILD_SCRIPT"]
	if hasBuildScript {
		if err := bd.inSandbox(ctx, "sh", "-c", bd.env["BUILD_SCRIPT"]); err != nil {
			return fmt.Errorf("BUILD_SCRIPT: %w", err)
		}
	}

	scripts, err := bd.scripts()
	if err != nil {
		return err
	}
	for i, name := range scripts {
		if i == 0 && len(b.IndexUpdate) > 0 {
			if err := bd.inSandbox(ctx, b.IndexUpdate...); err != nil {
				return fmt.Errorf("index update: %w", err)
			}
		}
		if hook := bd.hook(name); hook != "" {
			if err := bd.inSandbox(ctx, "sh", "-c", hook); err != nil {
				return fmt.Errorf("%s: %w", HookName(name), err)
			}
		}
		bd.log.Info("running build script", "script", name)
		if err := bd.inSandbox(ctx, filepath.Join(sandbox.DestDir, sfs.SrcDir, name)); err != nil {
			fe, ok := command.IsFailed(err)
			if !ok {
				return err
			}
			bd.log.Warn("build script failed", "script", name, "exit_code", fe.ExitCode)
			if b.interactive() {
				if serr := bd.session.Shell(ctx, bd.env); serr != nil {
					bd.log.Debug("rescue shell exited", "error", serr)
				}
			}
			return fmt.Errorf("%s: %w", name, ErrBuildAborted)
		}
	}

	if script, ok := bd.env["LAST_BUILD_SCRIPT"]; ok {
		if err := bd.inSandbox(ctx, "sh", "-c", script); err != nil {
			return fmt.Errorf("LAST_BUILD_SCRIPT: %w", err)
		}
	}

	if !hasBuildScript && len(scripts) == 0 && !bd.hasSource() {
		bd.log.Warn("no scripts found and no source given, no modifications will happen by default")
		if b.interactive() {
			bd.log.Info("modify $DESTDIR using the interactive shell", "destdir", bd.dest)
			if err := bd.buildShell(ctx); err != nil {
				return err
			}
		}
	}
	if b.getenv("POST_BUILD_SHELL") != "" {
		if err := bd.buildShell(ctx); err != nil {
			return err
		}
	}
	return nil
}

// hook returns the pre-script command for script, from the build
// environment or the caller's.
func (bd *build) hook(script string) string {
	key := HookName(script)
	if v, ok := bd.env[key]; ok {
		return v
	}
	return bd.b.getenv(key)
}

func (bd *build) pack(ctx context.Context) (*sfs.ReplaceResult, error) {
	b := bd.b
	temp := fmt.Sprintf("%s.NEW.%d", bd.target.Path(), os.Getpid())
	args := []string{"mksquashfs", bd.dest, temp, "-noappend"}

	if bd.repo != nil {
		url, err := bd.repo.SourceURL(ctx)
		if err != nil {
			return nil, err
		}
		if url != "" {
			if err := sfs.WriteMeta(bd.dest, sfs.GitSourceFile, url); err != nil {
				return nil, err
			}
			if err := sfs.WriteMeta(bd.dest, sfs.GitCommitFile, bd.commit); err != nil {
				return nil, err
			}
		}
	}
	if bd.hasSource() {
		if _, err := os.Stat(bd.sourcePath(sfs.FaclsFile)); err == nil {
			if err := bd.inSandbox(ctx, "sh", "-c", `cd "$DESTDIR"; setfacl --restore=`+sfs.FaclsFile); err != nil {
				bd.log.Warn("setfacl failed", "error", err)
			}
		}
		if excl := bd.sourcePath(sfs.ExcludeFile); fileExists(excl) {
			args = append(args, "-wildcards", "-ef", excl)
		}
	}

	if mod := sandbox.EnvMod(bd.defaults, bd.env); len(mod) > 0 {
		if err := sfs.WriteMeta(bd.dest, sfs.EnvFile, mod.Format()); err != nil {
			return nil, err
		}
	}

	if _, err := b.Runner.Run(ctx, command.Cmd{Args: args, ShowOutput: true}); err != nil {
		os.Remove(temp)
		return nil, fmt.Errorf("mksquashfs: %w", err)
	}

	opts := b.Replace
	opts.Logger = bd.log
	if b.Checksums != nil {
		opts.Checksums = b.Checksums(bd.target)
	}
	res, err := bd.target.ReplaceFile(ctx, temp, opts)
	if err != nil {
		os.Remove(temp)
		return nil, err
	}
	bd.log.Info("package rebuilt", "member", res.Member, "stamp", sfs.FormatStamp(res.Stamp))

	if b.Registry != nil {
		b.Registry.Register(bd.target)
	}
	if b.Ledger != nil {
		if err := b.Ledger.RecordReplacement(ctx, bd.target.Name().String(), res); err != nil {
			bd.log.Warn("cannot record replacement", "error", err)
		}
	}
	return res, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// WorkDirPID extracts the owning pid from a work dir name
// "rebuild-<name>.<pid>".
func WorkDirPID(name string) (int, bool) {
	if !strings.HasPrefix(name, "rebuild-") {
		return 0, false
	}
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(name[i+1:])
	return pid, err == nil && pid > 0
}
