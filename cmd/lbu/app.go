package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/builder"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/config"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/docker"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/layers"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/registry"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime/linux"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sandbox"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/store"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/update"
)

// app wires the core packages for one invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	json     bool
	reader   *mountinfo.Reader
	runner   *command.Exec
	registry *registry.Finder
}

func newApp(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer, jsonOut bool) *app {
	reader := mountinfo.NewReader()
	runner := command.NewExec(logger)
	runner.Stdout = stderr
	runner.Stderr = stderr
	return &app{
		cfg:      cfg,
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
		json:     jsonOut,
		reader:   reader,
		runner:   runner,
		registry: registry.New(reader, cfg.FindPath, cfg.SearchDepth, logger),
	}
}

func (a *app) mounter() sfs.Mounter {
	return &sfs.LoopMounter{
		Reader:   a.reader,
		Runner:   a.runner,
		PartsDir: a.cfg.PartsDir,
		Logger:   a.logger,
	}
}

func (a *app) downloader() *source.Downloader {
	return &source.Downloader{
		CacheDir:  a.cfg.DownloadDir(),
		Runner:    a.runner,
		ProxyVars: a.cfg.ProxyEnvVars,
		Logger:    a.logger,
	}
}

func (a *app) checker() *update.Checker {
	dl := a.downloader()
	return &update.Checker{
		Mounter:     a.mounter(),
		Repos:       dl,
		Runner:      a.runner,
		ProxyEnv:    dl.ProxyEnv(),
		DownloadDir: a.cfg.DownloadDir(),
		ToolDir:     a.cfg.ToolDir,
		Logger:      a.logger,
	}
}

func (a *app) replaceOptions() sfs.ReplaceOptions {
	return sfs.ReplaceOptions{
		FsyncSize:  a.cfg.FsyncSize,
		NoSymlinks: a.cfg.NoSymlinks,
		Algo:       a.cfg.ChecksumAlgo,
		Logger:     a.logger,
	}
}

// openStore opens the ledger. Not being able to keep history never
// blocks an update, so failures are logged and nil is returned.
func (a *app) openStore() *store.Store {
	st, err := store.New(a.cfg.DBPath, 1)
	if err != nil {
		a.logger.Warn("ledger unavailable", "db", a.cfg.DBPath, "error", err)
		return nil
	}
	return st
}

func (a *app) openDriver(ctx context.Context) (*docker.Client, error) {
	dc, err := docker.New()
	if err != nil {
		return nil, err
	}
	if err := dc.Ping(ctx); err != nil {
		dc.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return dc, nil
}

// hostMounter is implemented by both host mount backends.
type hostMounter interface {
	builder.Mounts
	layers.Remounter
}

// hostMounts mounts through syscalls when running as root and through
// mount(8) with sudo otherwise.
func (a *app) hostMounts() hostMounter {
	if os.Geteuid() == 0 {
		return linux.Host{TmpfsSize: int64(a.cfg.Sandbox.TmpfsMB) << 20}
	}
	return builder.CommandMounts{Runner: a.runner}
}

func (a *app) newBuilder(driver runtime.Driver, st *store.Store) (*builder.Builder, error) {
	binds, err := sandbox.ParseBinds(a.cfg.Sandbox.ExtraBinds)
	if err != nil {
		return nil, fmt.Errorf("%w: extra binds: %v", ErrBadArguments, err)
	}
	b := &builder.Builder{
		Config: builder.Config{
			RebuildDir:     a.cfg.RebuildDir(),
			LockDir:        a.cfg.LockDir(),
			DownloadDir:    a.cfg.DownloadDir(),
			ToolDir:        a.cfg.ToolDir,
			DestDir:        a.cfg.DestDir,
			CombinedFSType: a.cfg.CombinedFSType,
			Image:          a.cfg.Sandbox.Image,
			NetworkMode:    a.cfg.Sandbox.NetworkMode,
			Init:           []string{"sleep", strconv.Itoa(a.cfg.Sandbox.InitSleep)},
			ExtraBinds:     binds,
			IndexUpdate:    a.cfg.Sandbox.IndexUpdate,
			Replace:        a.replaceOptions(),
			Checksums: func(p *sfs.Package) *sfs.ChecksumFile {
				return update.ChecksumFileFor(p, a.cfg.ChecksumFile, a.cfg.ChecksumAlgo)
			},
		},
		Mounter:     a.mounter(),
		Mounts:      a.hostMounts(),
		Runner:      a.runner,
		Driver:      driver,
		Fetcher:     a.downloader(),
		Registry:    a.registry,
		Interactive: sandbox.Interactive,
		HostShell:   sandbox.HostShell,
		Getenv:      os.Getenv,
		Logger:      a.logger,
	}
	if st != nil {
		b.Ledger = st
	}
	return b, nil
}
