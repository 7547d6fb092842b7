package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/builder"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/layers"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/reaper"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/registry"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime/linux"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sandbox"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/store"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/update"
)

func runListComponents(ctx context.Context, a *app, args []string) error {
	if len(args) > 1 {
		return badArgs("list-components", "at most one directory")
	}
	dir := "/"
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	l := &sfs.Layered{Reader: a.reader, MountPoint: abs, Logger: a.logger}
	comps, err := l.Components()
	if err != nil {
		return err
	}
	return a.emit(comps, func(w io.Writer) {
		for _, c := range comps {
			if c.Package != nil {
				fmt.Fprintf(w, "%d %s %s\n", c.Index, c.Mode, c.Package.Path())
				continue
			}
			fmt.Fprintf(w, "%d %s %s/ (%s)\n", c.Index, c.Mode, c.Path, c.Reason)
		}
	})
}

type sfsInfo struct {
	*sfs.Info
	*sfs.Provenance
}

func runSFSInfo(ctx context.Context, a *app, args []string) error {
	var withProvenance bool
	fs := subFlags("sfs-info")
	fs.BoolVarP(&withProvenance, "provenance", "p", false, "mount the package to read its build metadata")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return badArgs("sfs-info", "package file required")
	}

	var infos []sfsInfo
	for _, path := range fs.Args() {
		p := sfs.New(path)
		info, err := p.Info()
		if err != nil {
			return err
		}
		out := sfsInfo{Info: info}
		if withProvenance {
			prov, err := p.Provenance(ctx, a.mounter())
			if err != nil {
				a.logger.Warn("cannot read provenance", "package", path, "error", err)
			} else {
				out.Provenance = prov
			}
		}
		infos = append(infos, out)
	}

	return a.emit(infos, func(w io.Writer) {
		for i, info := range infos {
			if i > 0 {
				fmt.Fprintln(w)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
			fmt.Fprintf(tw, "path:\t%s\n", info.Path)
			fmt.Fprintf(tw, "stripped:\t%s\n", info.Stripped)
			if info.Priority != nil {
				fmt.Fprintf(tw, "priority:\t%02d\n", *info.Priority)
			}
			fmt.Fprintf(tw, "realpath:\t%s\n", info.RealPath)
			fmt.Fprintf(tw, "create_stamp:\t%d (%s)\n", info.Stamp, info.Created)
			fmt.Fprintf(tw, "size:\t%s\n", units.HumanSize(float64(info.Size)))
			fmt.Fprintf(tw, "current:\t%s\n", info.Current)
			if prov := info.Provenance; prov != nil {
				if prov.Source != "" {
					fmt.Fprintf(tw, "git_source:\t%s\n", prov.SourceRef())
				}
				if prov.Commit != "" {
					fmt.Fprintf(tw, "git_commit:\t%s\n", prov.Commit)
				}
			}
			tw.Flush()
		}
	})
}

type stampOut struct {
	Ref   string `json:"ref"`
	Stamp uint32 `json:"create_stamp"`
}

func runSFSStamp(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return badArgs("sfs-stamp", "file or URL required")
	}
	var out []stampOut
	for _, ref := range args {
		img, err := source.OpenImage(ref, nil)
		if err != nil {
			return err
		}
		stamp, err := img.Stamp()
		if err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
		out = append(out, stampOut{Ref: ref, Stamp: stamp})
	}
	return a.emit(out, func(w io.Writer) {
		for _, s := range out {
			if len(out) == 1 {
				fmt.Fprintln(w, s.Stamp)
				continue
			}
			fmt.Fprintf(w, "%s %d\n", s.Ref, s.Stamp)
		}
	})
}

func runUpdateSFS(ctx context.Context, a *app, args []string) error {
	var list, autoRebuild, dryRun bool
	fs := subFlags("update-sfs")
	fs.BoolVar(&list, "list", false, "only list the packages")
	fs.BoolVar(&autoRebuild, "auto-rebuild", false, "rebuild packages whose source moved on")
	fs.BoolVarP(&dryRun, "dry-run", "n", false, "decide but change nothing")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if list && autoRebuild {
		return badArgs("update-sfs", "--list and --auto-rebuild are exclusive")
	}

	opts := update.Options{
		DryRun:       dryRun,
		Skip:         a.cfg.UpdateSkip,
		ChecksumFile: a.cfg.ChecksumFile,
		Replace:      a.replaceOptions(),
		Progress:     a.progress(),
	}
	rest := fs.Args()
	switch {
	case list:
		opts.Mode = update.ModeList
	case autoRebuild:
		opts.Mode = update.ModeAutoRebuild
	default:
		if len(rest) == 0 {
			return badArgs("update-sfs", "source, --list or --auto-rebuild required")
		}
		src, err := source.OpenSource(rest[0], a.cfg.SearchDepth, nil)
		if err != nil {
			return err
		}
		opts.Mode = update.ModeSync
		opts.Source = src
		rest = rest[1:]
	}

	orch := &update.Orchestrator{Registry: a.registry, Logger: a.logger}
	if !a.json {
		orch.Out = a.stdout
	}
	var st *store.Store
	if opts.Mode != update.ModeList && !dryRun {
		if st = a.openStore(); st != nil {
			defer st.Close()
			orch.Ledger = st
		}
	}
	if opts.Mode == update.ModeAutoRebuild {
		orch.Checker = a.checker()
		if !dryRun {
			dc, err := a.openDriver(ctx)
			if err != nil {
				return err
			}
			defer dc.Close()
			b, err := a.newBuilder(dc, st)
			if err != nil {
				return err
			}
			orch.Rebuilder = b
		}
	}

	outs, err := orch.Run(ctx, opts, a.targetStores(rest)...)
	if a.json {
		if jerr := a.emit(outs, nil); jerr != nil {
			return jerr
		}
	}
	return err
}

// targetStores maps target directories to stores; no directories means
// the layered root.
func (a *app) targetStores(dirs []string) []sfs.Store {
	if len(dirs) == 0 {
		return []sfs.Store{&sfs.Layered{Reader: a.reader, MountPoint: "/", Logger: a.logger}}
	}
	stores := make([]sfs.Store, 0, len(dirs))
	for _, d := range dirs {
		stores = append(stores, sfs.NewDirectory(d, a.cfg.SearchDepth))
	}
	return stores
}

func runRebuildSFS(ctx context.Context, a *app, args []string) error {
	var bindDefs []string
	fs := subFlags("rebuild-sfs")
	fs.StringArrayVar(&bindDefs, "bind", nil, "extra sandbox bind mount src=dst[:ro]")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return badArgs("rebuild-sfs", "target package required")
	}
	binds, err := sandbox.ParseBinds(bindDefs)
	if err != nil {
		return badArgs("rebuild-sfs", "%v", err)
	}
	req := builder.Request{Binds: binds}
	if len(rest) > 1 {
		req.Source = rest[1]
	}
	if len(rest) > 2 {
		if req.Env, err = splitEnv("rebuild-sfs", rest[2:]); err != nil {
			return err
		}
	}

	p, err := a.resolveTarget(rest[0])
	if err != nil {
		return err
	}

	dc, err := a.openDriver(ctx)
	if err != nil {
		return err
	}
	defer dc.Close()
	st := a.openStore()
	if st != nil {
		defer st.Close()
	}
	b, err := a.newBuilder(dc, st)
	if err != nil {
		return err
	}

	res, err := b.Build(ctx, p, req)
	if err != nil {
		return err
	}
	return a.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s -> %s (%s)\n", res.Path, filepath.Base(res.Member), sfs.FormatStamp(res.Stamp))
	})
}

// resolveTarget treats a path-like argument or an existing file as the
// package itself and anything else as a name to look up.
func (a *app) resolveTarget(arg string) (*sfs.Package, error) {
	if _, err := os.Lstat(arg); err == nil || strings.Contains(arg, "/") {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		return sfs.New(abs), nil
	}
	return a.registry.Lookup(arg)
}

func runBuildSFSDir(ctx context.Context, a *app, args []string) error {
	var baseURL string
	fs := subFlags("build-sfs-dir")
	fs.StringVar(&baseURL, "source-url", "", "base that relative sources in the list are joined to")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return badArgs("build-sfs-dir", "destination directory and source list required")
	}
	entries, err := a.readSourceList(ctx, rest[1], baseURL)
	if err != nil {
		return err
	}

	dc, err := a.openDriver(ctx)
	if err != nil {
		return err
	}
	defer dc.Close()
	st := a.openStore()
	if st != nil {
		defer st.Close()
	}
	b, err := a.newBuilder(dc, st)
	if err != nil {
		return err
	}

	outs, err := b.BuildDir(ctx, rest[0], entries, a.checker())
	if eerr := a.emit(outs, func(w io.Writer) {
		for _, o := range outs {
			fmt.Fprintf(w, "%s %s (%s)\n", o.Action, o.Path, o.Reason)
		}
	}); eerr != nil {
		return eerr
	}
	return err
}

// readSourceList reads a source list from a local file or, for HTTP
// URLs, through the download cache.
func (a *app) readSourceList(ctx context.Context, ref, baseURL string) ([]source.ListEntry, error) {
	path := ref
	if r := source.Classify(ref); r.Kind == source.KindHTTP {
		d := a.downloader()
		var err error
		path, err = d.FetchURL(ctx, r.Location, filepath.Join(d.CacheDir, source.CacheName(r.Location)))
		if err != nil {
			return nil, err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return source.ParseList(f, baseURL)
}

func runMountCombined(ctx context.Context, a *app, args []string) error {
	var fsType, rw string
	fs := subFlags("mount-combined")
	fs.StringVarP(&fsType, "fs-type", "t", a.cfg.CombinedFSType, "union filesystem: overlay or aufs")
	fs.StringVar(&rw, "rw", "", "existing writable branch (default: a fresh tmpfs)")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	// parts may also come as one space separated argument
	var parts []string
	if len(rest) > 1 {
		parts = strings.Fields(strings.Join(rest[1:], " "))
	}
	if len(parts) == 0 {
		return badArgs("mount-combined", "target and at least one part required")
	}
	target, err := filepath.Abs(rest[0])
	if err != nil {
		return err
	}

	c := &layers.Combiner{
		Mounter:    a.mounter(),
		Mounts:     a.hostMounts(),
		Finder:     a.registry,
		ScratchDir: a.cfg.CacheDir,
		FSType:     fsType,
		Logger:     a.logger,
	}
	res, err := c.Combine(ctx, target, parts, rw)
	if err != nil {
		return err
	}
	return a.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%s) rw=%s\n", res.Target, res.FSType, res.RW)
		for _, l := range res.Lowers {
			fmt.Fprintf(w, "  %s\n", l)
		}
	})
}

func runAufsUpdateBranch(ctx context.Context, a *app, args []string) error {
	var union string
	fs := subFlags("aufs-update-branch")
	fs.StringVar(&union, "aufs", "/", "aufs mount holding the branch")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return badArgs("aufs-update-branch", "exactly one branch mount point required")
	}

	u := &layers.BranchUpdater{
		Reader:  a.reader,
		Mounter: a.mounter(),
		Mounts:  a.hostMounts(),
		Runner:  a.runner,
		Logger:  a.logger,
	}
	res, err := u.UpdateBranch(ctx, rest[0], union)
	if err != nil {
		return err
	}
	return a.emit(res, func(w io.Writer) {
		if !res.Changed {
			fmt.Fprintf(w, "up to date: %s\n", res.Old)
			return
		}
		fmt.Fprintf(w, "%d %s -> %s (%s)\n", res.Index, res.Old, res.New, res.Dir)
	})
}

func runLocateSFS(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return badArgs("locate-sfs", "name required")
	}
	var found []string
	for _, name := range args {
		p, err := a.registry.Lookup(name)
		if errors.Is(err, registry.ErrNotFound) {
			a.logger.Debug("package not found", "name", name)
			continue
		}
		if err != nil {
			return err
		}
		found = append(found, p.Path())
	}
	if len(found) == 0 {
		return fmt.Errorf("%s: %w", strings.Join(args, ", "), registry.ErrNotFound)
	}
	return a.emit(found, func(w io.Writer) {
		for _, p := range found {
			fmt.Fprintln(w, p)
		}
	})
}

func runLocateOrig(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return badArgs("locate-orig", "exactly one path")
	}
	paths, err := a.reader.Locate(args[0])
	if err != nil {
		return err
	}
	return a.emit(paths, func(w io.Writer) {
		for _, p := range paths {
			fmt.Fprintln(w, p)
		}
	})
}

func runPruneOldSFS(ctx context.Context, a *app, args []string) error {
	var dryRun bool
	fs := subFlags("prune-old-sfs")
	fs.BoolVarP(&dryRun, "dry-run", "n", false, "only list what would be removed")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return badArgs("prune-old-sfs", "exactly one directory")
	}
	removed, err := sfs.Prune(fs.Arg(0), dryRun, a.logger)
	if err != nil {
		return err
	}
	return a.emit(removed, func(w io.Writer) {
		for _, p := range removed {
			fmt.Fprintln(w, p)
		}
	})
}

// reapMounts reads the live mount table and unmounts the way builds mount.
type reapMounts struct {
	*mountinfo.Reader
	builder.Mounts
}

func runReap(ctx context.Context, a *app, args []string) error {
	var watch time.Duration
	fs := subFlags("reap")
	fs.DurationVar(&watch, "watch", 0, "keep sweeping at this interval")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return badArgs("reap", "no arguments expected")
	}

	var containers reaper.Containers
	if dc, err := a.openDriver(ctx); err != nil {
		a.logger.Warn("container backend unavailable, sweeping work dirs only", "error", err)
	} else {
		defer dc.Close()
		containers = dc
	}
	r := reaper.New(containers, reapMounts{Reader: a.reader, Mounts: a.hostMounts()}, a.cfg.RebuildDir(), a.logger)

	if watch > 0 {
		r.Run(ctx, watch)
		return nil
	}
	rep, err := r.Sweep(ctx)
	if eerr := a.emit(rep, func(w io.Writer) {
		for _, c := range rep.Containers {
			fmt.Fprintf(w, "container %s\n", c)
		}
		for _, d := range rep.WorkDirs {
			fmt.Fprintf(w, "work dir %s\n", d)
		}
	}); eerr != nil {
		return eerr
	}
	return err
}

type hostReport struct {
	Filesystems map[string]bool `json:"filesystems"`
	Union       string          `json:"union_probe"`
	Missing     []string        `json:"missing_tools,omitempty"`
	Docker      string          `json:"docker"`
	Ready       bool            `json:"ready"`
}

func runCheckHost(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return badArgs("check-host", "no arguments expected")
	}
	rep := hostReport{Filesystems: map[string]bool{}, Union: "ok", Docker: "ok"}

	fss, err := linux.Filesystems("/proc/filesystems")
	if err != nil {
		return err
	}
	for _, name := range []string{"squashfs", "tmpfs", "overlay", "aufs"} {
		rep.Filesystems[name] = fss[name]
	}

	if os.Geteuid() != 0 {
		rep.Union = "skipped: not root"
	} else if err := linux.ProbeUnion(ctx, a.cfg.CombinedFSType); err != nil {
		rep.Union = err.Error()
	}

	tools := []string{"mksquashfs", "git", "tar", "setfacl", "mount"}
	if os.Geteuid() != 0 {
		tools = append(tools, "sudo")
	}
	rep.Missing = linux.MissingTools(tools...)

	if dc, err := a.openDriver(ctx); err != nil {
		rep.Docker = err.Error()
	} else {
		dc.Close()
	}

	rep.Ready = fss["squashfs"] && fss[a.cfg.CombinedFSType] &&
		(rep.Union == "ok" || strings.HasPrefix(rep.Union, "skipped")) &&
		len(rep.Missing) == 0 && rep.Docker == "ok"

	if err := a.emit(rep, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
		for _, name := range []string{"squashfs", "tmpfs", "overlay", "aufs"} {
			fmt.Fprintf(tw, "filesystem %s:\t%v\n", name, rep.Filesystems[name])
		}
		fmt.Fprintf(tw, "%s probe:\t%s\n", a.cfg.CombinedFSType, rep.Union)
		if len(rep.Missing) > 0 {
			fmt.Fprintf(tw, "missing tools:\t%s\n", strings.Join(rep.Missing, " "))
		}
		fmt.Fprintf(tw, "docker:\t%s\n", rep.Docker)
		tw.Flush()
	}); err != nil {
		return err
	}
	if !rep.Ready {
		return errors.New("host is not ready for builds")
	}
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	var builds bool
	fs := subFlags("history")
	fs.BoolVar(&builds, "builds", false, "show builds instead of replacements")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return badArgs("history", "at most one name")
	}

	st, err := store.New(a.cfg.DBPath, 1)
	if err != nil {
		return err
	}
	defer st.Close()

	if builds {
		list, err := st.ListBuilds(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return a.emit(list, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, b := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.StartedAt.Local().Format(time.DateTime), b.Name, b.State,
					b.FinishedAt.Sub(b.StartedAt).Round(time.Second), firstNonEmpty(b.Error, b.Commit))
			}
			tw.Flush()
		})
	}

	list, err := st.ListReplacements(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return a.emit(list, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, r := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%.12s\n", r.ReplacedAt.Local().Format(time.DateTime), r.Name,
				sfs.FormatStamp(r.Stamp), units.HumanSize(float64(r.Size)), r.Algo, r.Checksum)
		}
		tw.Flush()
	})
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
