// Package source resolves where packages and their build inputs come
// from: local paths, git repositories, HTTP servers and archives.
package source

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrUnsupported = errors.New("unsupported source")

// Kind tags a classified source reference.
type Kind int

const (
	// KindPath is a local file or directory.
	KindPath Kind = iota
	// KindGitRepo is a local git checkout.
	KindGitRepo
	// KindGit is a remote git URL, optionally with "#branch".
	KindGit
	// KindHTTP is an http or https URL.
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindGitRepo:
		return "git-repo"
	case KindGit:
		return "git"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

var gitURLRe = regexp.MustCompile(`^(git://.*?|git\+.*?|.*?\.git)(?:#(.*))?$`)

// Ref is a classified source reference.
type Ref struct {
	Kind Kind
	// Location is the path or URL without the branch suffix.
	Location string
	Branch   string
	// Raw is the reference as given, minus a file:// prefix.
	Raw string
}

// Classify decides how ref is to be fetched. Existing local directories
// win over URL-looking names.
func Classify(ref string) Ref {
	ref = strings.TrimPrefix(ref, "file://")
	if fi, err := os.Stat(ref); err == nil {
		if fi.IsDir() {
			if _, err := os.Stat(filepath.Join(ref, ".git")); err == nil {
				return Ref{Kind: KindGitRepo, Location: ref, Raw: ref}
			}
		}
		return Ref{Kind: KindPath, Location: ref, Raw: ref}
	}
	if m := gitURLRe.FindStringSubmatch(ref); m != nil {
		return Ref{Kind: KindGit, Location: m[1], Branch: m[2], Raw: ref}
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return Ref{Kind: KindHTTP, Location: ref, Raw: ref}
	}
	return Ref{Kind: KindPath, Location: ref, Raw: ref}
}

// IsGitURL reports whether ref looks like a git remote.
func IsGitURL(ref string) bool {
	return gitURLRe.MatchString(ref)
}

// IsArchive reports whether name carries a supported archive suffix.
func IsArchive(name string) bool {
	_, ok := archiveFormat(name)
	return ok
}
