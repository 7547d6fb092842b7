package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"golang.org/x/term"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

type Client struct {
	docker *client.Client
}

var _ runtime.Driver = (*Client)(nil)

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Create creates and starts a build container.
func (c *Client) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Mounts:     buildMounts(opts),
	}
	if opts.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(opts.NetworkMode)
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Labels: buildLabels(opts.Labels),
		Tty:    false,
		Cmd:    opts.Init,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// Exec runs a command inside the container and waits for it.
func (c *Client) Exec(ctx context.Context, id string, opts runtime.ExecOpts) (int, error) {
	execCfg := container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          envList(opts.Env),
		WorkingDir:   opts.Dir,
		Tty:          opts.TTY,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}
	var size *[2]uint
	if opts.TTY {
		size = consoleSize(opts.Stdin)
		execCfg.ConsoleSize = size
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{
		Tty:         opts.TTY,
		ConsoleSize: size,
	})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	if opts.TTY {
		if f, ok := opts.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			state, err := term.MakeRaw(int(f.Fd()))
			if err != nil {
				return -1, fmt.Errorf("raw terminal: %w", err)
			}
			defer term.Restore(int(f.Fd()), state)
		}
	}

	if opts.Stdin != nil {
		go func() {
			io.Copy(attachResp.Conn, opts.Stdin)
			attachResp.CloseWrite()
		}()
	}

	stdout := writerOr(opts.Stdout)
	if opts.TTY {
		_, err = io.Copy(stdout, attachResp.Reader)
	} else {
		// Demultiplex Docker's stdout/stderr stream (8-byte headers).
		_, err = stdcopy.StdCopy(stdout, writerOr(opts.Stderr), attachResp.Reader)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return -1, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// Remove force-removes a container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, id string) error {
	err := c.docker.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// List returns all containers created by a build sandbox.
func (c *Client) List(ctx context.Context) ([]runtime.ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", runtime.LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]runtime.ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		result = append(result, runtime.ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			Labels:  ctr.Labels,
			Created: time.Unix(ctr.Created, 0),
			Running: string(ctr.State) == "running",
		})
	}
	return result, nil
}

func buildLabels(extra map[string]string) map[string]string {
	labels := map[string]string{
		runtime.LabelManaged: "true",
	}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

func buildMounts(opts runtime.CreateOpts) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(opts.Binds)+len(opts.Tmpfs)+1)
	for _, b := range opts.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   "/" + strings.TrimLeft(b.Target, "/"),
			ReadOnly: b.ReadOnly,
		})
	}
	hasRun := false
	for _, t := range opts.Tmpfs {
		hasRun = hasRun || t.Target == "/run"
		mounts = append(mounts, mount.Mount{
			Type:         mount.TypeTmpfs,
			Target:       t.Target,
			TmpfsOptions: &mount.TmpfsOptions{SizeBytes: t.SizeBytes},
		})
	}
	if !hasRun {
		mounts = append(mounts, mount.Mount{
			Type:         mount.TypeTmpfs,
			Target:       "/run",
			TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 16 * units.MiB},
		})
	}
	return mounts
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// consoleSize returns {height, width} of in when it is a terminal.
func consoleSize(in io.Reader) *[2]uint {
	f, ok := in.(*os.File)
	if !ok {
		return nil
	}
	ws, err := pty.GetsizeFull(f)
	if err != nil || ws.Rows == 0 {
		return nil
	}
	return &[2]uint{uint(ws.Rows), uint(ws.Cols)}
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
