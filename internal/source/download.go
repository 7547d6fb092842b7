package source

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
)

// Downloader keeps fetched sources in a cache directory so repeated builds
// only transfer what changed.
type Downloader struct {
	CacheDir string
	Runner   command.Runner
	Client   *http.Client
	// ProxyVars restricts which proxy variables are passed on; empty means
	// every *_proxy variable.
	ProxyVars []string
	Logger    *slog.Logger
	// Environ defaults to os.Environ.
	Environ func() []string
}

func (d *Downloader) environ() []string {
	if d.Environ != nil {
		return d.Environ()
	}
	return os.Environ()
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// ProxyEnv returns the proxy variables for child processes.
func (d *Downloader) ProxyEnv() map[string]string {
	return ProxyEnv(d.ProxyVars, d.environ())
}

// CacheName is the cache entry name for source:
// "<first 8 hex of md5(source)>-<basename>", ".git" suffix dropped.
func CacheName(source string) string {
	sum := md5.Sum([]byte(source))
	name := hex.EncodeToString(sum[:])[:8] + "-" + path.Base(source)
	return strings.TrimSuffix(name, ".git")
}

// Fetch makes source available locally and returns the local path. Git
// URLs are cloned or pulled, HTTP URLs downloaded, local paths returned
// as they are.
func (d *Downloader) Fetch(ctx context.Context, source string) (string, error) {
	ref := Classify(source)
	switch ref.Kind {
	case KindGit:
		repo, err := d.FetchGit(ctx, source)
		if err != nil {
			return "", err
		}
		return repo.Dir, nil
	case KindHTTP:
		return d.FetchURL(ctx, source, filepath.Join(d.CacheDir, CacheName(source)))
	default:
		return ref.Location, nil
	}
}

func (d *Downloader) gitEnv() map[string]string {
	env := d.ProxyEnv()
	for _, kv := range d.environ() {
		k, v, _ := strings.Cut(kv, "=")
		if k == "SSH_AUTH_SOCK" || k == "HOME" {
			env[k] = v
		}
	}
	return env
}

// FetchGit clones source into the cache, or pulls an existing clone. A
// failed pull falls back to the stale clone with a warning.
func (d *Downloader) FetchGit(ctx context.Context, source string) (*Repo, error) {
	m := gitURLRe.FindStringSubmatch(source)
	if m == nil {
		return nil, fmt.Errorf("%s: %w", source, ErrUnsupported)
	}
	url, branch := m[1], m[2]
	dest := filepath.Join(d.CacheDir, CacheName(source))
	if branch != "" {
		dest = strings.TrimSuffix(dest, "#"+branch) + "@" + branch
	}
	url = strings.TrimPrefix(url, "git+")

	env := d.gitEnv()
	repo := &Repo{Dir: dest, Runner: d.Runner, Env: env}

	if _, err := os.Stat(dest); err == nil {
		args := []string{"git", "pull", "--recurse-submodules", url}
		if branch != "" {
			args = append(args, branch)
		}
		if _, err := d.Runner.Run(ctx, command.Cmd{Args: args, Dir: dest, Env: env}); err != nil {
			msg := err.Error()
			if fe, ok := command.IsFailed(err); ok {
				msg = fe.Stderr
			}
			d.Logger.Warn("update failed, using old cache", "dir", dest, "error", msg)
			return repo, nil
		}
		if repo.Has(".gitmodules") {
			if _, err := d.Runner.Run(ctx, command.Cmd{
				Args: []string{"git", "submodule", "update", "--depth", "1"},
				Dir:  dest,
				Env:  env,
			}); err != nil {
				return nil, fmt.Errorf("update submodules of %s: %w", dest, err)
			}
		}
		return repo, nil
	}

	if err := os.MkdirAll(d.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	args := []string{"git", "clone", "--recurse-submodules"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, "--depth=1", url, dest)
	if _, err := d.Runner.Run(ctx, command.Cmd{Args: args, Env: env}); err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return repo, nil
}

// FetchURL downloads url to dest. An existing non-empty dest is sent as
// If-Modified-Since and kept on 304. The file mtime follows the server's
// Last-Modified header.
func (d *Downloader) FetchURL(ctx context.Context, url, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		req.Header.Set("If-Modified-Since", fi.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		d.Logger.Debug("cached copy is current", "url", url, "path", dest)
		return dest, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.dltemp", dest, os.Getpid())
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if mtime, err := http.ParseTime(lm); err == nil {
			if err := os.Chtimes(tmp, time.Now(), mtime); err != nil {
				d.Logger.Warn("cannot set mtime", "path", tmp, "error", err)
			}
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dest, nil
}
