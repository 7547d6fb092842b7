package sfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Image is anything a package can be replaced from.
type Image interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Stamp() (uint32, error)
	Size() (int64, error)
	String() string
}

// Package is a SquashFS image at a path. Derived attributes are computed
// lazily and cached until Invalidate is called.
type Package struct {
	path string

	stamp    uint32
	stampErr error
	hasStamp bool

	size    int64
	hasSize bool

	prov *Provenance
}

func New(path string) *Package {
	return &Package{path: filepath.Clean(path)}
}

func (p *Package) Path() string   { return p.path }
func (p *Package) String() string { return p.path }
func (p *Package) Dir() string    { return filepath.Dir(p.path) }
func (p *Package) Name() Name     { return Name(filepath.Base(p.path)) }

// Invalidate drops cached attributes after the file changed on disk.
func (p *Package) Invalidate() {
	p.hasStamp = false
	p.stampErr = nil
	p.hasSize = false
	p.prov = nil
}

func (p *Package) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Valid reports whether the path is a regular file starting with the
// SquashFS magic.
func (p *Package) Valid() bool {
	fi, err := os.Stat(p.path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(p.path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, Magic)
}

// Stamp returns the creation stamp from the image header.
func (p *Package) Stamp() (uint32, error) {
	if !p.hasStamp {
		p.stamp, p.stampErr = FileStamp(p.path)
		p.hasStamp = true
	}
	return p.stamp, p.stampErr
}

func (p *Package) Size() (int64, error) {
	if !p.hasSize {
		fi, err := os.Stat(p.path)
		if err != nil {
			return 0, err
		}
		p.size = fi.Size()
		p.hasSize = true
	}
	return p.size, nil
}

func (p *Package) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(p.path)
}

// LinkTarget returns the symlink target if the path is a symlink.
func (p *Package) LinkTarget() (string, bool) {
	t, err := os.Readlink(p.path)
	if err != nil {
		return "", false
	}
	return t, true
}

// IsExternalLink reports a symlink pointing outside its own directory.
// Such slots are managed by something else and left alone.
func (p *Package) IsExternalLink() bool {
	t, ok := p.LinkTarget()
	return ok && strings.Contains(t, "/")
}

// Current maps a versioned member ("x.sfs.1700000000") back to its slot
// link "x.sfs". With preferLink false the link is only returned when it
// resolves to this very file.
func (p *Package) Current(preferLink bool) *Package {
	slot, ok := SlotName(p.path)
	if !ok {
		return p
	}
	sfi, err := os.Stat(slot)
	if err != nil {
		return p
	}
	if !preferLink {
		fi, err := os.Stat(p.path)
		if err != nil || !os.SameFile(fi, sfi) {
			return p
		}
	}
	return New(slot)
}

// NeedsUpdate reports whether latest is newer than the package itself.
func (p *Package) NeedsUpdate(latest uint32) (bool, error) {
	stamp, err := p.Stamp()
	if err != nil {
		return false, err
	}
	return latest > stamp, nil
}

// Info is the summary shown by sfs-info.
type Info struct {
	Path     string `json:"path"`
	Stripped string `json:"stripped"`
	Priority *int   `json:"priority,omitempty"`
	RealPath string `json:"realpath"`
	Stamp    uint32 `json:"create_stamp"`
	Created  string `json:"created"`
	Size     int64  `json:"size"`
	Current  string `json:"current"`
}

func (p *Package) Info() (*Info, error) {
	stamp, err := p.Stamp()
	if err != nil {
		return nil, err
	}
	size, err := p.Size()
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(p.path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.path, err)
	}
	info := &Info{
		Path:     p.path,
		Stripped: p.Name().Stripped(),
		RealPath: real,
		Stamp:    stamp,
		Created:  FormatStamp(stamp),
		Size:     size,
		Current:  p.Current(true).Path(),
	}
	if prio, ok := p.Name().Priority(); ok {
		info.Priority = &prio
	}
	return info, nil
}
