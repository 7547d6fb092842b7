package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/registry"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

type Mode int

const (
	ModeList Mode = iota
	ModeAutoRebuild
	ModeSync
)

// StalenessChecker is satisfied by *Checker.
type StalenessChecker interface {
	LatestStamp(ctx context.Context, p *sfs.Package) (uint32, error)
}

// Rebuilder rebuilds a package from its recorded source and installs it.
type Rebuilder interface {
	Rebuild(ctx context.Context, p *sfs.Package) error
}

// Ledger records completed replacements.
type Ledger interface {
	RecordReplacement(ctx context.Context, name string, res *sfs.ReplaceResult) error
}

// Registrar learns about freshly installed packages.
type Registrar interface {
	Register(p *sfs.Package)
}

// Outcome is the result for one target package.
type Outcome struct {
	Action  Action             `json:"action"`
	Name    string             `json:"name"`
	Path    string             `json:"path"`
	Reason  string             `json:"reason,omitempty"`
	Replace *sfs.ReplaceResult `json:"replace,omitempty"`
}

func (o Outcome) String() string {
	return fmt.Sprintf("%s %s: %s", o.Action, o.Name, o.Reason)
}

// Options controls one orchestrator run.
type Options struct {
	Mode   Mode
	Source sfs.ImageSource
	DryRun bool
	// Skip holds stripped names to leave alone.
	Skip []string
	// ChecksumFile selects the checksum list: nil searches for the
	// conventional name above each package, "" disables checksum
	// recording, anything else names the file.
	ChecksumFile *string
	Replace      sfs.ReplaceOptions
	// Progress, if set, returns a progress callback for one transfer.
	Progress func(name string, size int64) func(n int64, done bool)
}

type Orchestrator struct {
	Checker   StalenessChecker
	Rebuilder Rebuilder
	Ledger    Ledger
	Registry  Registrar
	Out       io.Writer
	Logger    *slog.Logger
}

// Run processes every package of every store. Layered stores are walked
// bottom branch first so base packages are handled before the ones
// stacked on them. Failures of single packages are reported as
// ActionFailed outcomes; only store enumeration errors abort the run.
func (o *Orchestrator) Run(ctx context.Context, opts Options, stores ...sfs.Store) ([]Outcome, error) {
	if opts.Mode == ModeSync && opts.Source == nil {
		return nil, fmt.Errorf("sync mode needs a source")
	}
	skip := make(map[string]bool, len(opts.Skip))
	for _, s := range opts.Skip {
		if s = strings.TrimSpace(s); s != "" {
			skip[s] = true
		}
	}

	var outcomes []Outcome
	for _, store := range stores {
		pkgs, err := store.Packages()
		if err != nil {
			return outcomes, fmt.Errorf("list %s: %w", store, err)
		}
		if _, ok := store.(*sfs.Layered); ok {
			pkgs = sfs.Reversed(pkgs)
		}

		lastDir := ""
		for _, p := range pkgs {
			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
			if p.Dir() != lastDir {
				lastDir = p.Dir()
				o.Logger.Info("processing directory", "dir", lastDir)
			}
			out := o.process(ctx, opts, skip, p)
			if out == nil {
				continue
			}
			if o.Out != nil {
				fmt.Fprintln(o.Out, out.String())
			}
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, nil
}

func (o *Orchestrator) process(ctx context.Context, opts Options, skip map[string]bool, p *sfs.Package) *Outcome {
	name := p.Name().String()
	if target, ok := p.LinkTarget(); ok && strings.Contains(target, "/") {
		o.Logger.Info("skipping non-local symlink", "package", name, "target", target)
		return &Outcome{Action: ActionSkip, Name: name, Path: p.Path(), Reason: "non-local symlink to " + target}
	}
	if stripped := p.Name().Stripped(); skip[stripped] {
		o.Logger.Info("skipping listed package", "package", name, "stripped", stripped)
		return &Outcome{Action: ActionSkip, Name: name, Path: p.Path(), Reason: "listed in skip set"}
	}
	if opts.Mode == ModeList {
		return &Outcome{Action: ActionList, Name: name, Path: p.Path(), Reason: p.Path()}
	}

	dst := p.Current(true)
	out := &Outcome{Name: dst.Name().String(), Path: dst.Path()}
	fail := func(err error) *Outcome {
		o.Logger.Error("update failed", "package", out.Name, "error", err)
		out.Action = ActionFailed
		out.Reason = err.Error()
		return out
	}

	stamp, err := dst.Stamp()
	if err != nil {
		return fail(err)
	}

	switch opts.Mode {
	case ModeAutoRebuild:
		latest, err := o.Checker.LatestStamp(ctx, dst)
		if err != nil {
			return fail(err)
		}
		if latest <= stamp {
			rel := "="
			if latest < stamp {
				rel = "<"
			}
			out.Action = ActionKeep
			out.Reason = fmt.Sprintf("latest %s %s current %s", sfs.FormatStamp(latest), rel, sfs.FormatStamp(stamp))
			o.Logger.Info("keeping", "package", out.Name, "reason", out.Reason)
			return out
		}
		out.Action = ActionRebuild
		out.Reason = sfs.FormatStamp(latest) + " > " + sfs.FormatStamp(stamp)
		o.Logger.Info("rebuilding", "package", out.Name, "reason", out.Reason)
		if opts.DryRun {
			return out
		}
		if err := o.Rebuilder.Rebuild(ctx, dst); err != nil {
			return fail(err)
		}
		return out

	case ModeSync:
		img, err := opts.Source.FindImage(ctx, dst.Name())
		if errors.Is(err, sfs.ErrNoPackage) || errors.Is(err, registry.ErrNotFound) {
			o.Logger.Warn("not found from update source, skipping", "package", out.Name)
			out.Action = ActionMissing
			out.Reason = "not found in source"
			return out
		}
		if err != nil {
			return fail(err)
		}
		srcStamp, err := img.Stamp()
		if err != nil {
			return fail(err)
		}
		d := Decide(stamp, srcStamp)
		out.Action, out.Reason = d.Action, d.Reason
		if d.Action != ActionReplace {
			if d.Warn {
				o.Logger.Warn("keeping newer", "package", out.Name, "reason", d.Reason)
			} else {
				o.Logger.Info("keeping", "package", out.Name, "reason", d.Reason)
			}
			return out
		}
		out.Reason += " from " + img.String()
		o.Logger.Info("replacing", "package", out.Name, "source", img.String(), "reason", d.Reason)
		if opts.DryRun {
			return out
		}
		res, err := dst.ReplaceWith(ctx, img, o.replaceOptions(opts, dst, img))
		if err != nil {
			return fail(err)
		}
		out.Replace = res
		if o.Registry != nil {
			o.Registry.Register(dst)
		}
		if o.Ledger != nil {
			if err := o.Ledger.RecordReplacement(ctx, out.Name, res); err != nil {
				o.Logger.Warn("cannot record replacement", "package", out.Name, "error", err)
			}
		}
		return out
	}
	return fail(fmt.Errorf("unknown mode %d", opts.Mode))
}

func (o *Orchestrator) replaceOptions(opts Options, dst *sfs.Package, img sfs.Image) sfs.ReplaceOptions {
	ro := opts.Replace
	if ro.Logger == nil {
		ro.Logger = o.Logger
	}
	ro.Checksums = ChecksumFileFor(dst, opts.ChecksumFile, ro.Algo)
	if opts.Progress != nil {
		size, _ := img.Size()
		ro.Progress = opts.Progress(dst.Name().String(), size)
	}
	return ro
}

// ChecksumFileFor resolves the checksum list for target.
func ChecksumFileFor(target *sfs.Package, setting *string, algo string) *sfs.ChecksumFile {
	if setting == nil {
		return sfs.FindChecksumFile(target.Path(), sfs.ChecksumFileName(algo))
	}
	if *setting == "" {
		return nil
	}
	return &sfs.ChecksumFile{Path: *setting}
}
