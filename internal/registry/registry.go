// Package registry resolves package names to the newest known image,
// either registered explicitly during a run or found on the search path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

var ErrNotFound = errors.New("package not found")

// Finder is owned by a single run and is not safe for concurrent use.
type Finder struct {
	reader     *mountinfo.Reader
	searchPath []string
	depth      int
	logger     *slog.Logger

	entries []*sfs.Package
	dirs    []string
}

// New creates a finder. An empty searchPath means the directories holding
// the backing files of all mounted squashfs images.
func New(reader *mountinfo.Reader, searchPath []string, depth int, logger *slog.Logger) *Finder {
	return &Finder{reader: reader, searchPath: searchPath, depth: depth, logger: logger}
}

// Register puts p in front of all earlier entries.
func (f *Finder) Register(p *sfs.Package) {
	f.entries = append([]*sfs.Package{p}, f.entries...)
}

// Entries returns the registered packages, most recent first.
func (f *Finder) Entries() []*sfs.Package {
	return f.entries
}

// Lookup returns a registered package matching name whose file still
// exists, otherwise the newest match on the search path, which is then
// registered.
func (f *Finder) Lookup(name string) (*sfs.Package, error) {
	for _, p := range f.entries {
		if p.Name().Matches(name) && p.Exists() {
			f.logger.Debug("registry hit", "name", name, "package", p.Path())
			return p, nil
		}
	}
	p, err := f.Search(name)
	if err != nil {
		return nil, err
	}
	f.Register(p)
	f.logger.Debug("found on search path", "name", name, "package", p.Path())
	return p, nil
}

// FindImage makes the finder usable as a sync source.
func (f *Finder) FindImage(ctx context.Context, name sfs.Name) (sfs.Image, error) {
	return f.Lookup(name.String())
}

// Search scans the search directories and returns the match with the
// greatest creation stamp, mapped to its slot.
func (f *Finder) Search(name string) (*sfs.Package, error) {
	dirs, err := f.SearchDirs()
	if err != nil {
		return nil, err
	}
	var best *sfs.Package
	var bestStamp uint32
	for _, d := range dirs {
		found, err := sfs.FindAll(sfs.NewDirectory(d, f.depth), name)
		if err != nil {
			f.logger.Warn("cannot scan search dir", "dir", d, "error", err)
			continue
		}
		for _, p := range found {
			cur := p.Current(true)
			stamp, err := cur.Stamp()
			if err != nil {
				continue
			}
			if best == nil || stamp > bestStamp {
				best, bestStamp = cur, stamp
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return best, nil
}

// SearchDirs returns the existing, de-duplicated search directories. The
// result is computed once per finder.
func (f *Finder) SearchDirs() ([]string, error) {
	if f.dirs != nil {
		return f.dirs, nil
	}
	candidates := f.searchPath
	if len(candidates) == 0 {
		var err error
		if candidates, err = f.mountedDirs(); err != nil {
			return nil, err
		}
	}
	seen := map[string]bool{}
	dirs := []string{}
	for _, d := range candidates {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			dirs = append(dirs, d)
		}
	}
	f.dirs = dirs
	return dirs, nil
}

func (f *Finder) mountedDirs() ([]string, error) {
	table, err := f.reader.Table()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range table.ByFSType("squashfs") {
		backing, err := f.reader.LoopBackingFile(e.Source)
		if err != nil {
			continue
		}
		out = append(out, filepath.Dir(backing))
	}
	return out, nil
}
