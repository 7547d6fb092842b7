// lbu manages the SquashFS packages of a live-boot system: it inspects
// the layered root, updates packages from a source store and rebuilds
// them from source inside a build sandbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/config"
)

// ErrBadArguments marks a malformed invocation.
var ErrBadArguments = errors.New("bad arguments")

type subcommand struct {
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]subcommand{
	"list-components":    {"[<dir>]", "show the packages backing each branch of a layered mount", runListComponents},
	"sfs-info":           {"<file>...", "show package details", runSFSInfo},
	"sfs-stamp":          {"<file|url>...", "print the creation stamp of a package", runSFSStamp},
	"update-sfs":         {"[--dry-run] {--list | --auto-rebuild | <source>} [<target_dir>...]", "bring deployed packages up to date", runUpdateSFS},
	"rebuild-sfs":        {"[--bind src=dst[:ro]]... <target> [<source>] [KEY=VALUE...]", "rebuild a package from source", runRebuildSFS},
	"build-sfs-dir":      {"[--source-url <url>] <dest_dir> <source_list>", "build every package of a source list", runBuildSFSDir},
	"mount-combined":     {"[-t overlay|aufs] [--rw <dir>] <dest_dir> <part>...", "mount packages and directories (bottom first) as one union", runMountCombined},
	"aufs-update-branch": {"[--aufs <mnt>] <branch_mnt>", "swap a live aufs branch to the package's current image", runAufsUpdateBranch},
	"locate-sfs":         {"<name>...", "find the newest package by name", runLocateSFS},
	"locate-orig":        {"<path>", "list the branch files backing a path", runLocateOrig},
	"prune-old-sfs":      {"[--dry-run] <dir>", "remove superseded package backups", runPruneOldSFS},
	"reap":               {"[--watch <interval>]", "remove containers and work dirs left by killed builds", runReap},
	"check-host":         {"", "check that the host can build and mount packages", runCheckHost},
	"history":            {"[--builds] [<name>]", "show recorded replacements or builds", runHistory},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, ErrBadArguments) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	var cfgPath, logLevel string
	var jsonOut bool

	flagSet := pflag.NewFlagSet("lbu", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&cfgPath, "config", os.Getenv("LBU_CONFIG"), "path to lbu.yaml")
	flagSet.StringVar(&logLevel, "log-level", envOr("LBU_LOG_LEVEL", "info"), "debug, info, warn or error")
	flagSet.BoolVar(&jsonOut, "json", false, "print results as JSON")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(stderr, flagSet)
		return fmt.Errorf("%w: command required", ErrBadArguments)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrBadArguments, args[0])
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := newApp(cfg, logger, stdout, stderr, jsonOut)
	return cmd.run(ctx, a, args[1:])
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrBadArguments, s)
	}
	return level, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: lbu [flags] <command> [args]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(w, "  %-20s %s\n", name, c.summary)
		if c.usage != "" {
			fmt.Fprintf(w, "  %-20s   lbu %s %s\n", "", name, c.usage)
		}
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

// subFlags returns a flag set for a subcommand that reports parse errors
// as ErrBadArguments.
func subFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseSub(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadArguments, fs.Name(), err)
	}
	return nil
}

func badArgs(name, format string, a ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrBadArguments, name, fmt.Sprintf(format, a...))
}

// splitEnv parses KEY=VALUE arguments.
func splitEnv(name string, args []string) (map[string]string, error) {
	env := make(map[string]string, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, badArgs(name, "expected KEY=VALUE, got %q", kv)
		}
		env[k] = v
	}
	return env, nil
}
