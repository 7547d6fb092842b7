package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
)

// archiveScript exports HEAD of the checkout and of every submodule into
// $DESTDIR.
const archiveScript = `cd "$SRC"; git archive HEAD | tar x -C "$DESTDIR"; ` +
	`P="$(readlink -f .)" git submodule --quiet foreach ` +
	`'git archive --prefix="${PWD#$P/}/" HEAD | tar x -C "$DESTDIR"'`

// Repo is a local git checkout.
type Repo struct {
	Dir    string
	Runner command.Runner
	// Env is passed to every git invocation (proxy settings, ssh agent).
	Env map[string]string
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return command.Output(ctx, r.Runner, command.Cmd{
		Args: append([]string{"git"}, args...),
		Dir:  r.Dir,
		Env:  r.Env,
	})
}

// LastCommit returns the hash of HEAD.
func (r *Repo) LastCommit(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "log", "-1", "--format=%H")
	if err != nil {
		return "", fmt.Errorf("last commit of %s: %w", r.Dir, err)
	}
	return strings.TrimSpace(out), nil
}

// LastStamp returns the commit time of HEAD.
func (r *Repo) LastStamp(ctx context.Context) (uint32, error) {
	out, err := r.git(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return 0, fmt.Errorf("last commit time of %s: %w", r.Dir, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(out), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return uint32(v), nil
}

// SourceURL returns "<remote url>#<branch>" of the upstream tracking
// branch, or "" when the checkout tracks nothing.
func (r *Repo) SourceURL(ctx context.Context) (string, error) {
	upstream, err := r.git(ctx, "rev-parse", "--abbrev-ref", "@{upstream}")
	if err != nil {
		if _, ok := command.IsFailed(err); ok {
			return "", nil
		}
		return "", err
	}
	remote, branch, ok := strings.Cut(strings.TrimSpace(upstream), "/")
	if !ok {
		return "", nil
	}
	url, err := r.git(ctx, "config", "--get", "remote."+remote+".url")
	if err != nil {
		return "", fmt.Errorf("remote url of %s: %w", remote, err)
	}
	return strings.TrimSpace(url) + "#" + branch, nil
}

// Has reports whether rel exists in the working tree.
func (r *Repo) Has(rel string) bool {
	_, err := os.Stat(filepath.Join(r.Dir, rel))
	return err == nil
}

// Path joins rel to the working tree.
func (r *Repo) Path(rel string) string {
	return filepath.Join(r.Dir, rel)
}

// Archive exports HEAD and all submodules into dest. It runs as root
// since dest is usually a root-owned tmpfs.
func (r *Repo) Archive(ctx context.Context, dest string) error {
	env := map[string]string{"DESTDIR": dest, "SRC": r.Dir}
	if fi, err := os.Stat(r.Dir); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			env["SUDO_UID"] = strconv.FormatUint(uint64(st.Uid), 10)
		}
	}
	for k, v := range r.Env {
		env[k] = v
	}
	if _, err := r.Runner.Run(ctx, command.Cmd{
		Args:   []string{"sh", "-c", archiveScript},
		Env:    env,
		AsRoot: true,
	}); err != nil {
		return fmt.Errorf("export %s: %w", r.Dir, err)
	}
	return nil
}
