// Package command runs external tools with captured, optionally mirrored
// output and a structured result.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Cmd describes one external command invocation.
type Cmd struct {
	Args []string
	Dir  string
	// Env entries are layered over a minimal PATH-only environment.
	Env        map[string]string
	Stdin      io.Reader
	ShowOutput bool
	// AsRoot prefixes sudo -E when the current user is not root.
	AsRoot bool
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FailedError is returned when a command exits with a non-zero status.
type FailedError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// IsFailed reports whether err is a non-zero exit and returns it.
func IsFailed(err error) (*FailedError, bool) {
	var fe *FailedError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Tail is a writer that keeps only the last Max bytes written to it.
type Tail struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Max; t.Max > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimRight(string(t.buf), "\n")
}

type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Cmd) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Cmd) (*Result, error) {
	return f(ctx, cmd)
}

// Exec runs commands on the host.
type Exec struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
	uid    int
}

func NewExec(logger *slog.Logger) *Exec {
	return &Exec{
		Logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		uid:    os.Getuid(),
	}
}

func (e *Exec) Run(ctx context.Context, c Cmd) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	args := c.Args
	if c.AsRoot && e.uid != 0 {
		e.Logger.Info("running as root", "uid", e.uid, "cmd", args)
		args = append([]string{"sudo", "-E", "-u", "root"}, args...)
	}

	e.Logger.Debug("running", "cmd", args, "dir", c.Dir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = Environ(c.Env)
	cmd.Stdin = c.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error { return drain(stdout, &outBuf, e.mirror(c.ShowOutput, e.Stdout)) })
	g.Go(func() error { return drain(stderr, &errBuf, e.mirror(c.ShowOutput, e.Stderr)) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	res := &Result{
		Stdout: strings.TrimRight(outBuf.String(), "\n"),
		Stderr: strings.TrimRight(errBuf.String(), "\n"),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &FailedError{Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("wait %s: %w", args[0], waitErr)
	}
	if drainErr != nil {
		return res, fmt.Errorf("read output of %s: %w", args[0], drainErr)
	}
	return res, nil
}

func (e *Exec) mirror(show bool, w io.Writer) io.Writer {
	if !show || w == nil {
		return nil
	}
	return w
}

func drain(r io.Reader, buf *bytes.Buffer, mirror io.Writer) error {
	var w io.Writer = buf
	if mirror != nil {
		w = io.MultiWriter(buf, mirror)
	}
	_, err := io.Copy(w, r)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Environ builds the child environment: PATH with the sbin directories
// prepended, then env applied in key order.
func Environ(env map[string]string) []string {
	vars := map[string]string{
		"PATH": "/sbin:/usr/sbin:" + os.Getenv("PATH"),
	}
	for k, v := range env {
		vars[k] = v
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// Output runs cmd and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, cmd Cmd) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
