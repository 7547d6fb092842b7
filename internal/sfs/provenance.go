package sfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// In-package build metadata, relative to the image root.
const (
	SrcDir        = "/usr/src/sfs.d"
	GitSourceFile = SrcDir + "/.git-source"
	GitCommitFile = SrcDir + "/.git-commit"
	CheckFile     = SrcDir + "/.check-up-to-date"
	EnvFile       = SrcDir + "/.env"
	ExcludeFile   = SrcDir + "/.sqfs-exclude"
	FaclsFile     = ".git-facls"
)

// EnvVar is one KEY=VALUE line of a build environment file.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Env keeps build variables in file order.
type Env []EnvVar

func ParseEnv(data string) Env {
	var env Env
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		env = env.Set(k, v)
	}
	return env
}

func (e Env) Get(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Set replaces key in place or appends it.
func (e Env) Set(key, value string) Env {
	for i := range e {
		if e[i].Key == key {
			e[i].Value = value
			return e
		}
	}
	return append(e, EnvVar{Key: key, Value: value})
}

func (e Env) Map() map[string]string {
	m := make(map[string]string, len(e))
	for _, v := range e {
		m[v.Key] = v.Value
	}
	return m
}

func (e Env) Format() string {
	lines := make([]string, 0, len(e))
	for _, v := range e {
		lines = append(lines, v.Key+"="+v.Value)
	}
	return strings.Join(lines, "\n")
}

// Provenance is the build metadata a package carries about itself.
type Provenance struct {
	Source   string `json:"git_source,omitempty"`
	Branch   string `json:"git_branch,omitempty"`
	Commit   string `json:"git_commit,omitempty"`
	Env      Env    `json:"env,omitempty"`
	HasCheck bool   `json:"has_check,omitempty"`
}

// SourceRef joins source and branch as "url#branch".
func (p *Provenance) SourceRef() string {
	if p.Source == "" || p.Branch == "" {
		return p.Source
	}
	return p.Source + "#" + p.Branch
}

// SplitRef splits "url#branch" at the last '#'.
func SplitRef(ref string) (string, string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// ReadProvenance reads build metadata from an unpacked or mounted image.
// Missing files leave the corresponding fields empty.
func ReadProvenance(root string) (*Provenance, error) {
	prov := &Provenance{}

	src, err := readMeta(root, GitSourceFile)
	if err != nil {
		return nil, err
	}
	prov.Source, prov.Branch = SplitRef(src)

	if prov.Commit, err = readMeta(root, GitCommitFile); err != nil {
		return nil, err
	}

	env, err := readMeta(root, EnvFile)
	if err != nil {
		return nil, err
	}
	prov.Env = ParseEnv(env)

	if _, err := os.Stat(filepath.Join(root, CheckFile)); err == nil {
		prov.HasCheck = true
	}
	return prov, nil
}

func readMeta(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteMeta writes one metadata file below root, creating SrcDir.
func WriteMeta(root, rel, content string) error {
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Provenance mounts the package if needed and reads its metadata.
func (p *Package) Provenance(ctx context.Context, m Mounter) (*Provenance, error) {
	if p.prov != nil {
		return p.prov, nil
	}
	var prov *Provenance
	err := p.WithMount(ctx, m, func(dir string) error {
		var err error
		prov, err = ReadProvenance(dir)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.prov = prov
	return prov, nil
}
