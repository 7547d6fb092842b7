package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
)

// Staleness reports the newest stamp a deployed package could be rebuilt
// to. *update.Checker satisfies it.
type Staleness interface {
	LatestStamp(ctx context.Context, p *sfs.Package) (uint32, error)
}

const (
	DirBuilt     = "built"
	DirUnchanged = "unchanged"
)

// DirOutcome is what BuildDir did with one source list entry.
type DirOutcome struct {
	Name   string             `json:"name"`
	Path   string             `json:"path"`
	Action string             `json:"action"`
	Reason string             `json:"reason,omitempty"`
	Result *sfs.ReplaceResult `json:"result,omitempty"`
}

// BuildDir builds every entry of list below destDir. Packages that exist
// and are not stale according to check are left alone; a nil check
// rebuilds everything. It stops at the first failed build.
func (b *Builder) BuildDir(ctx context.Context, destDir string, list []source.ListEntry, check Staleness) ([]DirOutcome, error) {
	log := b.logger()
	var outs []DirOutcome
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return outs, err
		}
		p := sfs.New(filepath.Join(destDir, e.Name))
		if err := os.MkdirAll(p.Dir(), 0755); err != nil {
			return outs, fmt.Errorf("create %s: %w", p.Dir(), err)
		}

		if check != nil && p.Valid() {
			stamp, err := p.Stamp()
			if err != nil {
				return outs, err
			}
			latest, err := check.LatestStamp(ctx, p)
			if err != nil {
				return outs, fmt.Errorf("check %s: %w", p, err)
			}
			if latest <= stamp {
				log.Info("no change", "package", e.Name, "stamp", sfs.FormatStamp(stamp))
				outs = append(outs, DirOutcome{
					Name:   e.Name,
					Path:   p.Path(),
					Action: DirUnchanged,
					Reason: "up to date at " + sfs.FormatStamp(stamp),
				})
				continue
			}
		}

		res, err := b.Build(ctx, p, Request{Source: e.Source, Env: e.Env})
		if err != nil {
			return outs, fmt.Errorf("build %s: %w", e.Name, err)
		}
		outs = append(outs, DirOutcome{
			Name:   e.Name,
			Path:   p.Path(),
			Action: DirBuilt,
			Reason: "from " + e.Source,
			Result: res,
		})
	}
	return outs, nil
}
