// Package reaper removes what crashed builds leave behind: sandbox
// containers and rebuild work dirs whose owning process is gone.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/builder"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

// Report lists what a sweep removed.
type Report struct {
	Containers []string `json:"containers"`
	WorkDirs   []string `json:"work_dirs"`
	Unmounted  []string `json:"unmounted"`
}

type Reaper struct {
	containers Containers
	mounts     Mounts
	rebuildDir string
	logger     *slog.Logger

	// Alive reports whether pid is a running process.
	Alive func(pid int) bool
}

func New(c Containers, m Mounts, rebuildDir string, logger *slog.Logger) *Reaper {
	return &Reaper{
		containers: c,
		mounts:     m,
		rebuildDir: rebuildDir,
		logger:     logger,
		Alive:      processAlive,
	}
}

// Run sweeps once, then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("reaper started", "interval", interval)

	r.sweepLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweepLogged(ctx)
		}
	}
}

func (r *Reaper) sweepLogged(ctx context.Context) {
	rep, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("reaper: sweep", "error", err)
	}
	if n := len(rep.Containers) + len(rep.WorkDirs); n > 0 {
		r.logger.Info("reaper: removed leftovers", "containers", len(rep.Containers), "work_dirs", len(rep.WorkDirs))
	}
}

// Sweep removes orphaned containers and work dirs. It keeps going past
// individual failures and returns them joined.
func (r *Reaper) Sweep(ctx context.Context) (*Report, error) {
	rep := &Report{}
	var errs []error
	if r.containers != nil {
		if err := r.reapContainers(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.reapWorkDirs(ctx, rep); err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

func (r *Reaper) reapContainers(ctx context.Context, rep *Report) error {
	list, err := r.containers.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	var errs []error
	for _, c := range list {
		pid, err := strconv.Atoi(c.Labels[runtime.LabelPID])
		if err != nil || pid <= 0 {
			r.logger.Warn("reaper: container without owner pid", "container", c.Name)
			continue
		}
		if r.Alive(pid) {
			continue
		}
		r.logger.Info("reaping container", "container", c.Name, "pid", pid, "target", c.Labels[runtime.LabelTarget])
		if err := r.containers.Remove(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove container %s: %w", c.Name, err))
			continue
		}
		rep.Containers = append(rep.Containers, c.Name)
	}
	return errors.Join(errs...)
}

func (r *Reaper) reapWorkDirs(ctx context.Context, rep *Report) error {
	entries, err := os.ReadDir(r.rebuildDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.rebuildDir, err)
	}

	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, ok := builder.WorkDirPID(e.Name())
		if !ok || r.Alive(pid) {
			continue
		}
		dir := filepath.Join(r.rebuildDir, e.Name())
		r.logger.Info("reaping work dir", "dir", dir, "pid", pid)

		unmounted, err := r.unmountUnder(ctx, dir)
		rep.Unmounted = append(rep.Unmounted, unmounted...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		rep.WorkDirs = append(rep.WorkDirs, dir)
	}
	return errors.Join(errs...)
}

// unmountUnder detaches every mount at or below dir, deepest first.
func (r *Reaper) unmountUnder(ctx context.Context, dir string) ([]string, error) {
	table, err := r.mounts.Table()
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, e := range table {
		if e.MountPoint == dir || strings.HasPrefix(e.MountPoint, dir+"/") {
			targets = append(targets, e.MountPoint)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return len(targets[i]) > len(targets[j]) })

	var done []string
	for _, t := range targets {
		if err := r.mounts.Unmount(ctx, t); err != nil {
			return done, fmt.Errorf("unmount %s: %w", t, err)
		}
		done = append(done, t)
	}
	return done, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
