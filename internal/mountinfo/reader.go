package mountinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Layer is one branch of a layered mount. Index 0 is the top branch.
type Layer struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Mode     string `json:"mode"`
	Writable bool   `json:"writable"`
}

// Reader reads mount state from procfs and sysfs. The roots are
// configurable so tests can point it at a fake tree.
type Reader struct {
	ProcRoot string
	SysRoot  string
}

func NewReader() *Reader {
	return &Reader{ProcRoot: "/proc", SysRoot: "/sys"}
}

// Table reads a fresh snapshot of the mount table.
func (r *Reader) Table() (Table, error) {
	f, err := os.Open(filepath.Join(r.ProcRoot, "self", "mountinfo"))
	if err != nil {
		return nil, fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// MountPoint returns the entry mounted exactly at path.
func (r *Reader) MountPoint(path string) (Entry, error) {
	t, err := r.Table()
	if err != nil {
		return Entry{}, err
	}
	e, ok := t.Lookup(path)
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", path, ErrNoMountPoint)
	}
	return e, nil
}

// Components lists the branches of an aufs or overlay mount.
func (r *Reader) Components(e Entry) ([]Layer, error) {
	switch e.FSType {
	case "aufs":
		return r.aufsBranches(e)
	case "overlay":
		return overlayLayers(e), nil
	default:
		return nil, fmt.Errorf("%s (%s): %w", e.MountPoint, e.FSType, ErrNotLayered)
	}
}

func (r *Reader) aufsBranches(e Entry) ([]Layer, error) {
	si, ok := e.Option("si")
	if !ok {
		return nil, fmt.Errorf("aufs %s: no si option", e.MountPoint)
	}
	prefix := filepath.Join(r.SysRoot, "fs", "aufs", "si_"+si, "br")
	files, err := filepath.Glob(prefix + "[0-9]*")
	if err != nil {
		return nil, fmt.Errorf("glob aufs branches: %w", err)
	}

	var layers []Layer
	for _, f := range files {
		idx, err := strconv.Atoi(strings.TrimPrefix(f, prefix))
		if err != nil {
			// brid<N> and friends share the prefix
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read aufs branch: %w", err)
		}
		line := strings.TrimSpace(string(data))
		eq := strings.LastIndex(line, "=")
		if eq < 0 {
			return nil, fmt.Errorf("aufs branch %s: malformed %q", f, line)
		}
		dir, mode := line[:eq], line[eq+1:]
		layers = append(layers, Layer{
			Index:    idx,
			Path:     dir,
			Mode:     mode,
			Writable: strings.HasPrefix(mode, "rw"),
		})
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Index < layers[j].Index })
	return layers, nil
}

func overlayLayers(e Entry) []Layer {
	var layers []Layer
	if upper, ok := e.Option("upperdir"); ok {
		layers = append(layers, Layer{Path: upper, Mode: "rw", Writable: true})
	}
	var lower []string
	for _, opts := range [][]string{e.SuperOptions, e.MountOptions} {
		for _, o := range opts {
			switch {
			case strings.HasPrefix(o, "lowerdir="):
				lower = append(lower, splitLowerdir(o[len("lowerdir="):])...)
			case strings.HasPrefix(o, "lowerdir+="):
				lower = append(lower, o[len("lowerdir+="):])
			}
		}
		if len(lower) > 0 {
			break
		}
	}
	for _, d := range lower {
		layers = append(layers, Layer{Path: d, Mode: "ro"})
	}
	for i := range layers {
		layers[i].Index = i
	}
	return layers
}

// splitLowerdir splits on ':' honouring backslash-escaped colons.
func splitLowerdir(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ':':
			cur.WriteByte(':')
			i++
		case s[i] == ':':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// LoopBackingFile returns the file behind a loop device source such as
// /dev/loop3.
func (r *Reader) LoopBackingFile(source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("no source device: %w", ErrNotLoopDevice)
	}
	dev := filepath.Base(source)
	if !strings.HasPrefix(dev, "loop") {
		return "", fmt.Errorf("%s: %w", source, ErrNotLoopDevice)
	}
	data, err := os.ReadFile(filepath.Join(r.SysRoot, "block", dev, "loop", "backing_file"))
	if err != nil {
		return "", fmt.Errorf("%s backing file: %w", dev, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// LoopDevice is an attached loop device.
type LoopDevice struct {
	Name        string // loopN
	Dev         string // major:minor
	BackingFile string
	Offset      int64
}

// LoopDevices lists attached loop devices.
func (r *Reader) LoopDevices() ([]LoopDevice, error) {
	entries, err := os.ReadDir(filepath.Join(r.SysRoot, "block"))
	if err != nil {
		return nil, fmt.Errorf("read sysfs block: %w", err)
	}
	var out []LoopDevice
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, "loop") {
			continue
		}
		base := filepath.Join(r.SysRoot, "block", name)
		backing, err := os.ReadFile(filepath.Join(base, "loop", "backing_file"))
		if err != nil {
			continue
		}
		ld := LoopDevice{Name: name, BackingFile: strings.TrimRight(string(backing), "\n")}
		if data, err := os.ReadFile(filepath.Join(base, "loop", "offset")); err == nil {
			ld.Offset, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		}
		if data, err := os.ReadFile(filepath.Join(base, "dev")); err == nil {
			ld.Dev = strings.TrimSpace(string(data))
		}
		out = append(out, ld)
	}
	return out, nil
}

// LoopDeviceFor returns the loop device backing file at offset 0, if any.
func (r *Reader) LoopDeviceFor(file string) (*LoopDevice, error) {
	devs, err := r.LoopDevices()
	if err != nil {
		return nil, err
	}
	fi, statErr := os.Stat(file)
	for i := range devs {
		d := &devs[i]
		if d.Offset != 0 {
			continue
		}
		if d.BackingFile == file {
			return d, nil
		}
		if statErr != nil {
			continue
		}
		if bfi, err := os.Stat(d.BackingFile); err == nil && os.SameFile(fi, bfi) {
			return d, nil
		}
	}
	return nil, nil
}

// Locate returns the per-branch paths of a file inside a layered mount,
// top branch first. Branches that do not carry the file are skipped.
func (r *Reader) Locate(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	t, err := r.Table()
	if err != nil {
		return nil, err
	}
	e, ok := t.Containing(abs)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoMountPoint)
	}
	layers, err := r.Components(e)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(e.MountPoint, abs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range layers {
		p := filepath.Join(l.Path, rel)
		if _, err := os.Lstat(p); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}
