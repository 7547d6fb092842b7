// Package sandbox runs package build steps inside a throwaway container.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

type Options struct {
	// Name becomes part of the container name.
	Name        string
	Image       string
	NetworkMode string
	Init        []string
	Binds       []runtime.Bind
	Tmpfs       []runtime.Tmpfs
	Labels      map[string]string
}

// Session is one build container. It must be closed on every exit path.
type Session struct {
	ID          string
	Name        string
	ContainerID string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	driver runtime.Driver
	logger *slog.Logger
	closed bool
}

// Open creates and starts the container.
func Open(ctx context.Context, d runtime.Driver, opts Options, logger *slog.Logger) (*Session, error) {
	id := uuid.New().String()
	name := "lbu-" + opts.Name + "-" + id[:8]

	labels := map[string]string{
		runtime.LabelSession: id,
		runtime.LabelPID:     strconv.Itoa(os.Getpid()),
		runtime.LabelTarget:  opts.Name,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cid, err := d.Create(ctx, runtime.CreateOpts{
		Name:        name,
		Image:       opts.Image,
		Binds:       opts.Binds,
		Tmpfs:       opts.Tmpfs,
		NetworkMode: opts.NetworkMode,
		Init:        opts.Init,
		Labels:      labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox %s: %w", name, err)
	}
	logger.Info("sandbox started", "session_id", id, "container", name, "image", opts.Image)

	return &Session{
		ID:          id,
		Name:        name,
		ContainerID: cid,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		driver:      d,
		logger:      logger,
	}, nil
}

// outputTail bounds the output kept for a failed command's error.
const outputTail = 4096

// Run executes cmd in the container with its output mirrored to the
// session streams. A non-zero exit is a *command.FailedError carrying
// the tail of the output.
func (s *Session) Run(ctx context.Context, cmd []string, env map[string]string) error {
	s.logger.Debug("sandbox exec", "container", s.Name, "cmd", cmd)
	stdout := &command.Tail{Max: outputTail}
	stderr := &command.Tail{Max: outputTail}
	code, err := s.driver.Exec(ctx, s.ContainerID, runtime.ExecOpts{
		Cmd:    cmd,
		Env:    env,
		Stdout: tee(s.Stdout, stdout),
		Stderr: tee(s.Stderr, stderr),
	})
	if err != nil {
		return fmt.Errorf("exec in %s: %w", s.Name, err)
	}
	if code != 0 {
		return &command.FailedError{Args: cmd, ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	}
	return nil
}

func tee(w io.Writer, tail *command.Tail) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(w, tail)
}

// Shell opens an interactive shell in the container on the session's
// terminal.
func (s *Session) Shell(ctx context.Context, env map[string]string) error {
	code, err := s.driver.Exec(ctx, s.ContainerID, runtime.ExecOpts{
		Cmd:    []string{"bash", "-i"},
		Env:    env,
		Dir:    DestDir,
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
		TTY:    true,
	})
	if err != nil {
		return fmt.Errorf("shell in %s: %w", s.Name, err)
	}
	if code != 0 {
		return &command.FailedError{Args: []string{"bash", "-i"}, ExitCode: code}
	}
	return nil
}

// Close removes the container. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if err := s.driver.Remove(ctx, s.ContainerID); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", s.Name, err)
	}
	s.logger.Info("sandbox removed", "session_id", s.ID, "container", s.Name)
	return nil
}
