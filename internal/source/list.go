package source

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ListEntry is one package of a source list: where the package goes
// (relative to the destination directory), what it is built from and the
// build environment set just above it.
type ListEntry struct {
	Name   string            `json:"name"`
	Source string            `json:"source"`
	Env    map[string]string `json:"env,omitempty"`
}

var listURLRe = regexp.MustCompile(`(?i)^[a-z+]+://`)

// ParseList reads a source list. Each line is "<name> [<source>]", the
// source defaulting to the name; further words are ignored. "KEY=VALUE"
// lines set build environment for the next entry only. "* <url>" sets
// the base that relative sources are joined to and "* *" clears it.
// Blank lines and lines starting with "#" are ignored. baseURL is the
// initial base.
func ParseList(r io.Reader, baseURL string) ([]ListEntry, error) {
	var (
		out []ListEntry
		env map[string]string
	)
	base := baseURL
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		words := strings.Fields(line)
		if len(words) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(words[0], "=") {
			k, v, _ := strings.Cut(line, "=")
			if env == nil {
				env = map[string]string{}
			}
			env[k] = v
			continue
		}
		name, src := words[0], words[0]
		if len(words) > 1 {
			src = words[1]
		}
		if name == "*" {
			if src == "*" {
				base = ""
			} else {
				base = joinBase(base, src)
			}
			continue
		}
		out = append(out, ListEntry{
			Name:   strings.TrimLeft(name, "/"),
			Source: joinBase(base, src),
			Env:    env,
		})
		env = nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read source list: %w", err)
	}
	return out, nil
}

func joinBase(base, src string) string {
	if base == "" || listURLRe.MatchString(src) || strings.HasPrefix(src, "/") {
		return src
	}
	return strings.TrimRight(base, "/") + "/" + src
}
