package sfs

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Name is a package file basename such as "10-tools.sfs".
type Name string

func isPriorityPrefix(s string) bool {
	return len(s) >= 3 && isDigit(s[0]) && isDigit(s[1]) && s[2] == '-'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Priority returns the two-digit load priority, if the name carries one.
func (n Name) Priority() (int, bool) {
	if !isPriorityPrefix(string(n)) {
		return 0, false
	}
	p, _ := strconv.Atoi(string(n[:2]))
	return p, true
}

// Stripped removes the priority prefix and everything from the last
// ".sfs" on.
func (n Name) Stripped() string {
	s := string(n)
	if isPriorityPrefix(s) {
		s = s[3:]
	}
	if i := strings.LastIndex(s, ".sfs"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Matches compares names ignoring the priority prefix unless both sides
// carry one, falling back to treating other as a shell glob.
func (n Name) Matches(other string) bool {
	if string(n) == other {
		return true
	}
	o := Name(other)
	if op, ok := o.Priority(); ok {
		if np, ok := n.Priority(); ok && np != op {
			return false
		}
	}
	if n.Stripped() == o.Stripped() {
		return true
	}
	bare := string(n)
	if i := strings.LastIndex(bare, ".sfs"); i >= 0 {
		bare = bare[:i]
	}
	ok, err := filepath.Match(other, bare)
	return err == nil && ok
}

func (n Name) String() string { return string(n) }

var versionedRe = regexp.MustCompile(`^(.+?)(?:(\.OLD)?\.([0-9]+))+(?: \(deleted\))?$`)

// SlotName returns the stable slot path for a versioned member path
// ("x.sfs.1700000000" or "x.sfs.OLD.1700000000" -> "x.sfs").
func SlotName(path string) (string, bool) {
	m := versionedRe.FindStringSubmatch(path)
	if m == nil {
		return path, false
	}
	return m[1], true
}

// IsBackup reports whether path is a superseded slot member.
func IsBackup(path string) bool {
	return strings.Contains(filepath.Base(path), ".sfs.OLD")
}
