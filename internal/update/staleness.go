// Package update decides which deployed packages are stale and brings
// them up to date from a source store or by rebuilding them.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
)

// RepoFetcher makes the upstream of a git source available locally.
type RepoFetcher interface {
	FetchGit(ctx context.Context, ref string) (*source.Repo, error)
}

// Checker computes the newest stamp a package could be rebuilt to.
type Checker struct {
	Mounter  sfs.Mounter
	Repos    RepoFetcher
	Runner   command.Runner
	ProxyEnv map[string]string
	// DownloadDir and ToolDir are exported to check scripts as
	// dl_cache_dir and lbu.
	DownloadDir string
	ToolDir     string
	Now         func() time.Time
	Logger      *slog.Logger
}

func (c *Checker) now() uint32 {
	if c.Now != nil {
		return uint32(c.Now().Unix())
	}
	return uint32(time.Now().Unix())
}

// LatestStamp returns, in order of precedence: the upstream commit time
// when the recorded commit is behind upstream; the current time when the
// package's up-to-date check script fails; otherwise the upstream commit
// time for git-built packages or the package's own stamp.
func (c *Checker) LatestStamp(ctx context.Context, p *sfs.Package) (uint32, error) {
	own, err := p.Stamp()
	if err != nil {
		return 0, err
	}
	prov, err := p.Provenance(ctx, c.Mounter)
	if err != nil {
		return 0, fmt.Errorf("read provenance of %s: %w", p, err)
	}

	var repo *source.Repo
	if prov.Source != "" {
		c.Logger.Info("git repo", "package", p.Name(), "source", prov.SourceRef())
		repo, err = c.Repos.FetchGit(ctx, prov.SourceRef())
		if err != nil {
			return 0, fmt.Errorf("fetch %s: %w", prov.SourceRef(), err)
		}
		commit, err := repo.LastCommit(ctx)
		if err != nil {
			return 0, err
		}
		if commit != prov.Commit {
			return repo.LastStamp(ctx)
		}
	}

	if !prov.HasCheck {
		return own, nil
	}

	failed := false
	err = p.WithMount(ctx, c.Mounter, func(dir string) error {
		env := make(map[string]string, len(c.ProxyEnv)+len(prov.Env)+3)
		for k, v := range c.ProxyEnv {
			env[k] = v
		}
		env["DESTDIR"] = dir
		env["dl_cache_dir"] = c.DownloadDir
		env["lbu"] = c.ToolDir
		for _, kv := range prov.Env {
			env[kv.Key] = kv.Value
		}
		_, err := c.Runner.Run(ctx, command.Cmd{
			Args:       []string{filepath.Join(dir, sfs.CheckFile)},
			Env:        env,
			ShowOutput: true,
		})
		if fe, ok := command.IsFailed(err); ok {
			c.Logger.Info("up-to-date check failed", "package", p.Name(), "exit_code", fe.ExitCode)
			failed = true
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	if failed {
		return c.now(), nil
	}
	if repo != nil {
		return repo.LastStamp(ctx)
	}
	return own, nil
}
