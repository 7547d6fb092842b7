package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/term"
)

// emit prints v as indented JSON in --json mode and through text
// otherwise.
func (a *app) emit(v any, text func(w io.Writer)) error {
	if a.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.stdout)
	return nil
}

// progress returns a per-transfer progress printer, or nil when stderr
// is not a terminal.
func (a *app) progress() func(name string, size int64) func(n int64, done bool) {
	f, ok := a.stderr.(*os.File)
	if a.json || !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return func(name string, size int64) func(n int64, done bool) {
		var last time.Time
		return func(n int64, done bool) {
			if !done && time.Since(last) < 200*time.Millisecond {
				return
			}
			last = time.Now()
			fmt.Fprintf(a.stderr, "\r%s: %s", name, progressLine(n, size))
			if done {
				fmt.Fprintln(a.stderr)
			}
		}
	}
}

func progressLine(n, size int64) string {
	if size <= 0 {
		return units.HumanSize(float64(n))
	}
	return fmt.Sprintf("%s / %s (%d%%)", units.HumanSize(float64(n)), units.HumanSize(float64(size)), n*100/size)
}
