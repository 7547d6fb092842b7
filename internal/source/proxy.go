package source

import (
	"os"
	"strings"
)

// ProxyEnv picks the proxy variables passed on to downloads and builds.
// With an explicit allow-list only those names are considered, otherwise
// every variable whose name ends in "_proxy" (any case).
func ProxyEnv(allow []string, environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if len(allow) == 0 {
			if strings.HasSuffix(strings.ToLower(k), "_proxy") {
				env[k] = v
			}
			continue
		}
		for _, a := range allow {
			if a == k {
				env[k] = v
				break
			}
		}
	}
	return env
}

// HostProxyEnv is ProxyEnv over the current process environment.
func HostProxyEnv(allow []string) map[string]string {
	return ProxyEnv(allow, os.Environ())
}
