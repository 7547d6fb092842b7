package sfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
)

// ErrNoPackage is returned when a store has no package matching a name.
var ErrNoPackage = errors.New("no matching package")

// Store is an ordered collection of packages.
type Store interface {
	Packages() ([]*Package, error)
	String() string
}

// ImageSource yields replacement images by package name.
type ImageSource interface {
	FindImage(ctx context.Context, name Name) (Image, error)
}

// FindAll returns every package in s whose name matches name.
func FindAll(s Store, name string) ([]*Package, error) {
	pkgs, err := s.Packages()
	if err != nil {
		return nil, err
	}
	var out []*Package
	for _, p := range pkgs {
		if p.Name().Matches(name) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Find returns the first package in s matching name.
func Find(s Store, name string) (*Package, error) {
	all, err := FindAll(s, name)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", name, s, ErrNoPackage)
	}
	return all[0], nil
}

// Directory is a plain directory tree of package files.
type Directory struct {
	Root    string
	Pattern string
	Depth   int
}

// NewDirectory opens path as a store. A path naming a file (existing or
// not) inside an existing directory selects that single name.
func NewDirectory(path string, depth int) *Directory {
	d := &Directory{Root: path, Pattern: "*.sfs", Depth: depth}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return d
	}
	if fi, err := os.Stat(filepath.Dir(path)); err == nil && fi.IsDir() {
		d.Root = filepath.Dir(path)
		d.Pattern = filepath.Base(path)
		d.Depth = 0
	}
	return d
}

func (d *Directory) String() string { return d.Root }

// Packages walks Root up to Depth levels deep, skipping hidden entries,
// ordered by directory and then by name.
func (d *Directory) Packages() ([]*Package, error) {
	pattern := d.Pattern
	if pattern == "" {
		pattern = "*.sfs"
	}
	root := filepath.Clean(d.Root)
	var out []*Package
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(de.Name(), ".") {
			if de.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if de.IsDir() {
			if strings.Count(strings.TrimPrefix(path, root), string(filepath.Separator)) > d.Depth {
				return fs.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, de.Name()); ok {
			out = append(out, New(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.Root, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Dir() != out[j].Dir() {
			return out[i].Dir() < out[j].Dir()
		}
		return out[i].Name() < out[j].Name()
	})
	return out, nil
}

// FindImage returns the newest package in the directory matching name.
func (d *Directory) FindImage(ctx context.Context, name Name) (Image, error) {
	all, err := FindAll(d, name.String())
	if err != nil {
		return nil, err
	}
	var best *Package
	var bestStamp uint32
	for _, p := range all {
		stamp, err := p.Stamp()
		if err != nil {
			continue
		}
		if best == nil || stamp > bestStamp {
			best, bestStamp = p, stamp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s in %s: %w", name, d, ErrNoPackage)
	}
	return best, nil
}

// Component is one branch of a layered mount together with the package
// backing it. Package is nil when the branch is not a loop-mounted image;
// Reason then says why.
type Component struct {
	mountinfo.Layer
	Source      string   `json:"source,omitempty"`
	BackingFile string   `json:"backing_file,omitempty"`
	Package     *Package `json:"-"`
	Reason      string   `json:"reason,omitempty"`
}

// Layered is the live view of a union mount: one package per read-only
// loop-mounted branch.
type Layered struct {
	Reader     *mountinfo.Reader
	MountPoint string
	Logger     *slog.Logger
}

func (l *Layered) String() string { return l.MountPoint }

// Components describes every branch of the mount, top branch first.
// Introspection problems on a single branch are recorded in its Reason.
func (l *Layered) Components() ([]Component, error) {
	table, err := l.Reader.Table()
	if err != nil {
		return nil, err
	}
	top, ok := table.Lookup(l.MountPoint)
	if !ok {
		return nil, fmt.Errorf("%s: %w", l.MountPoint, mountinfo.ErrNoMountPoint)
	}
	layers, err := l.Reader.Components(top)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.MountPoint, err)
	}

	out := make([]Component, 0, len(layers))
	for _, layer := range layers {
		c := Component{Layer: layer}
		e, ok := table.Containing(layer.Path)
		if !ok || e.MountPoint == top.MountPoint {
			c.Reason = "no separate mount"
			out = append(out, c)
			continue
		}
		c.Source = e.Source
		backing, err := l.Reader.LoopBackingFile(e.Source)
		if err != nil {
			c.Reason = err.Error()
			out = append(out, c)
			continue
		}
		c.BackingFile = backing
		p := New(backing)
		if !p.Valid() {
			c.Reason = ErrNotPackage.Error()
			out = append(out, c)
			continue
		}
		if layer.Writable {
			l.logger().Warn("loop-backed package mounted read-write", "package", backing, "branch", layer.Path)
		}
		c.Package = p
		out = append(out, c)
	}
	return out, nil
}

// Packages returns the packages backing the mount, top branch first.
// Versioned members are mapped to their slot when the slot still points
// at them.
func (l *Layered) Packages() ([]*Package, error) {
	comps, err := l.Components()
	if err != nil {
		return nil, err
	}
	var out []*Package
	for _, c := range comps {
		if c.Package != nil {
			out = append(out, c.Package.Current(false))
		}
	}
	return out, nil
}

func (l *Layered) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Reversed returns pkgs bottom branch first.
func Reversed(pkgs []*Package) []*Package {
	out := make([]*Package, len(pkgs))
	for i, p := range pkgs {
		out[len(pkgs)-1-i] = p
	}
	return out
}
