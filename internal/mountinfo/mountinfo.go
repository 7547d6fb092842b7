// Package mountinfo reads the kernel mount table and the sysfs views of
// layered (AUFS, OverlayFS) mounts and loop devices.
package mountinfo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrNotLayered    = errors.New("not an aufs or overlay mount")
	ErrNotLoopDevice = errors.New("not a loop device")
	ErrNoMountPoint  = errors.New("no mount point")
)

// Entry is one line of /proc/self/mountinfo.
type Entry struct {
	MountID        int      `json:"mount_id"`
	ParentID       int      `json:"parent_id"`
	Major          int      `json:"major"`
	Minor          int      `json:"minor"`
	Root           string   `json:"root"`
	MountPoint     string   `json:"mount_point"`
	MountOptions   []string `json:"mount_options"`
	OptionalFields []string `json:"optional_fields,omitempty"`
	FSType         string   `json:"fs_type"`
	Source         string   `json:"source,omitempty"`
	SuperOptions   []string `json:"super_options"`
}

// Dev returns the "major:minor" device number.
func (e Entry) Dev() string {
	return fmt.Sprintf("%d:%d", e.Major, e.Minor)
}

// Option returns the value of a "key=value" (or bare "key") option, looking
// at filesystem options first.
func (e Entry) Option(key string) (string, bool) {
	for _, opts := range [][]string{e.SuperOptions, e.MountOptions} {
		for _, o := range opts {
			if o == key {
				return "", true
			}
			if k, v, ok := strings.Cut(o, "="); ok && k == key {
				return v, true
			}
		}
	}
	return "", false
}

// ParseLine parses a single mountinfo line.
func ParseLine(line string) (Entry, error) {
	var e Entry
	f := strings.Split(strings.TrimRight(line, "\n"), " ")
	if len(f) < 10 {
		return e, fmt.Errorf("mountinfo: short line %q", line)
	}
	var err error
	if e.MountID, err = strconv.Atoi(f[0]); err != nil {
		return e, fmt.Errorf("mountinfo: mount id %q: %w", f[0], err)
	}
	if e.ParentID, err = strconv.Atoi(f[1]); err != nil {
		return e, fmt.Errorf("mountinfo: parent id %q: %w", f[1], err)
	}
	maj, min, ok := strings.Cut(f[2], ":")
	if !ok {
		return e, fmt.Errorf("mountinfo: device %q", f[2])
	}
	if e.Major, err = strconv.Atoi(maj); err != nil {
		return e, fmt.Errorf("mountinfo: major %q: %w", maj, err)
	}
	if e.Minor, err = strconv.Atoi(min); err != nil {
		return e, fmt.Errorf("mountinfo: minor %q: %w", min, err)
	}
	e.Root = Unescape(f[3])
	e.MountPoint = Unescape(f[4])
	e.MountOptions = strings.Split(f[5], ",")

	i := 6
	for ; i < len(f) && f[i] != "-"; i++ {
		e.OptionalFields = append(e.OptionalFields, f[i])
	}
	if i+3 >= len(f) {
		return e, fmt.Errorf("mountinfo: missing separator in %q", line)
	}
	e.FSType = f[i+1]
	if src := Unescape(f[i+2]); src != "none" {
		e.Source = src
	}
	e.SuperOptions = strings.Split(f[i+3], ",")
	return e, nil
}

// Unescape decodes the octal escapes (\040 and friends) the kernel uses
// for whitespace and backslashes in paths.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Table is a point-in-time snapshot of the mount table.
type Table []Entry

func Parse(r io.Reader) (Table, error) {
	var t Table
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		e, err := ParseLine(sc.Text())
		if err != nil {
			return nil, err
		}
		t = append(t, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading mountinfo: %w", err)
	}
	return t, nil
}

// Lookup returns the entry mounted at path. When a path is mounted over
// several times the most recent entry wins.
func (t Table) Lookup(path string) (Entry, bool) {
	path = filepath.Clean(path)
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].MountPoint == path {
			return t[i], true
		}
	}
	return Entry{}, false
}

// Containing returns the entry of the mount that holds path.
func (t Table) Containing(path string) (Entry, bool) {
	p := filepath.Clean(path)
	for {
		if e, ok := t.Lookup(p); ok {
			return e, true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return Entry{}, false
		}
		p = parent
	}
}

// FindDevice returns the first mount of the "major:minor" device.
func (t Table) FindDevice(dev string) (Entry, bool) {
	for _, e := range t {
		if e.Dev() == dev {
			return e, true
		}
	}
	return Entry{}, false
}

func (t Table) ByFSType(fsType string) []Entry {
	var out []Entry
	for _, e := range t {
		if e.FSType == fsType {
			out = append(out, e)
		}
	}
	return out
}
