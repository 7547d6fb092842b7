package reaper

import (
	"context"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

// Containers abstracts the sandbox driver operations needed by the reaper.
type Containers interface {
	List(ctx context.Context) ([]runtime.ContainerInfo, error)
	Remove(ctx context.Context, id string) error
}

// Mounts abstracts the mount table and unmounting.
type Mounts interface {
	Table() (mountinfo.Table, error)
	Unmount(ctx context.Context, target string) error
}
