package layers

import (
	"context"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

// Finder resolves a package name to its newest deployed package.
type Finder interface {
	Lookup(name string) (*sfs.Package, error)
}

// Remounter edits the branches of a mounted union in place.
type Remounter interface {
	Remount(ctx context.Context, target, opts string) error
	Unmount(ctx context.Context, target string) error
}
