package sfs

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/zeebo/blake3"
)

// Checksum algorithms and the list files they are recorded in.
const (
	AlgoSHA256 = "sha256"
	AlgoBLAKE3 = "blake3"
)

func NewHash(algo string) (hash.Hash, error) {
	switch algo {
	case "", AlgoSHA256:
		return sha256.New(), nil
	case AlgoBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", algo)
	}
}

// ChecksumFileName is the conventional list name for algo.
func ChecksumFileName(algo string) string {
	if algo == AlgoBLAKE3 {
		return "b3sum.txt"
	}
	return "sha256sum.txt"
}

// ChecksumFile is a "<digest>  <relative path>" list as written by
// sha256sum(1) and b3sum(1).
type ChecksumFile struct {
	Path string
}

// FindChecksumFile looks for name in the directory of target and its
// parents, stopping before the filesystem root.
func FindChecksumFile(target, name string) *ChecksumFile {
	dir := filepath.Dir(target)
	for dir != "/" && dir != "." {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return &ChecksumFile{Path: p}
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Update records digest for target, replacing an existing line for the
// same relative path or appending one.
func (c *ChecksumFile) Update(target, digest string) error {
	rel, err := c.relPath(target)
	if err != nil {
		return fmt.Errorf("checksum path: %w", err)
	}

	mode := os.FileMode(0644)
	data, err := os.ReadFile(c.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", c.Path, err)
	}
	if fi, err := os.Stat(c.Path); err == nil {
		mode = fi.Mode().Perm()
	}

	var lines []string
	found := false
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.TrimPrefix(fields[1], "*") == rel {
			line = digest + "  " + rel
			found = true
		}
		lines = append(lines, line)
	}
	if !found {
		lines = append(lines, digest+"  "+rel)
	}

	if err := renameio.WriteFile(c.Path, []byte(strings.Join(lines, "\n")+"\n"), mode); err != nil {
		return fmt.Errorf("write %s: %w", c.Path, err)
	}
	return nil
}

// Lookup returns the recorded digest for target.
func (c *ChecksumFile) Lookup(target string) (string, bool, error) {
	rel, err := c.relPath(target)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return "", false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.TrimPrefix(fields[1], "*") == rel {
			return fields[0], true, nil
		}
	}
	return "", false, nil
}

func (c *ChecksumFile) relPath(target string) (string, error) {
	base, err := filepath.Abs(filepath.Dir(c.Path))
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	return filepath.Rel(base, abs)
}
