// Package runtime defines the container backend a build sandbox runs on.
package runtime

import (
	"context"
	"io"
	"time"
)

// Labels set on every container a sandbox creates.
const (
	LabelManaged = "lbu.managed"
	LabelPID     = "lbu.pid"
	LabelSession = "lbu.session"
	LabelTarget  = "lbu.target"
)

// Bind maps a host path into the container.
type Bind struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

func (b Bind) String() string {
	s := b.Source + "=" + b.Target
	if b.ReadOnly {
		s += ":ro"
	}
	return s
}

type Tmpfs struct {
	Target    string
	SizeBytes int64
}

type CreateOpts struct {
	Name        string
	Image       string
	Binds       []Bind
	Tmpfs       []Tmpfs
	NetworkMode string
	// Init keeps the container alive while commands are executed in it.
	Init   []string
	Labels map[string]string
}

type ExecOpts struct {
	Cmd    []string
	Env    map[string]string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// TTY allocates a terminal; Stderr is unused then.
	TTY bool
}

type ContainerInfo struct {
	ID      string
	Name    string
	Labels  map[string]string
	Created time.Time
	Running bool
}

// Driver creates and drives sandbox containers.
type Driver interface {
	Create(ctx context.Context, opts CreateOpts) (string, error)
	// Exec runs a command in a container and returns its exit code.
	Exec(ctx context.Context, id string, opts ExecOpts) (int, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]ContainerInfo, error)
	Ping(ctx context.Context) error
	Close() error
}
