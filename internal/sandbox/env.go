package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

// Paths inside the build container.
const (
	DestDir  = "/destdir"
	DLCache  = "/var/cache/lbu/dl"
	ToolDir  = "/opt/LiveBootUtils"
	AptCache = "/var/cache/apt/archives"
	AptLists = "/var/lib/apt/lists"
)

// DefaultEnv is the environment every build command starts from: the
// proxy variables, terminal geometry from the host (getenv) and the
// container paths.
func DefaultEnv(proxy map[string]string, getenv func(string) string) map[string]string {
	env := make(map[string]string, len(proxy)+9)
	for k, v := range proxy {
		env[k] = v
	}
	env["TERM"] = getenvOr(getenv, "TERM", "linux")
	env["COLUMNS"] = getenvOr(getenv, "COLUMNS", "80")
	env["LINES"] = getenvOr(getenv, "LINES", "25")
	env["DESTDIR"] = DestDir
	env["lbu"] = ToolDir
	env["dl_cache_dir"] = DLCache
	env["SILENT_EXIT"] = "1"
	env["HOME"] = "/root"
	env["LANG"] = "C.UTF-8"
	return env
}

func getenvOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// EnvMod returns what env changes relative to defaults: variables that
// differ or are new, and "K=" for defaults that were removed. Keys are
// sorted.
func EnvMod(defaults, env map[string]string) sfs.Env {
	keys := make([]string, 0, len(env)+len(defaults))
	for k := range env {
		keys = append(keys, k)
	}
	for k := range defaults {
		if _, ok := env[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var mod sfs.Env
	for _, k := range keys {
		v, ok := env[k]
		if def, isDef := defaults[k]; isDef && ok && def == v {
			continue
		}
		mod = mod.Set(k, v)
	}
	return mod
}

// ParseBind parses "src=dst[:ro]".
func ParseBind(s string) (runtime.Bind, error) {
	src, dst, ok := strings.Cut(s, "=")
	if !ok || src == "" || dst == "" {
		return runtime.Bind{}, fmt.Errorf("bind %q: expected src=dst[:ro]", s)
	}
	b := runtime.Bind{Source: src}
	if d, found := strings.CutSuffix(dst, ":ro"); found {
		dst, b.ReadOnly = d, true
	}
	b.Target = "/" + strings.TrimLeft(dst, "/")
	return b, nil
}

func ParseBinds(defs []string) ([]runtime.Bind, error) {
	out := make([]runtime.Bind, 0, len(defs))
	for _, d := range defs {
		b, err := ParseBind(d)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
