package sfs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/renameio"
)

const chunkSize = 64 * 1024

// ErrMemberExists is returned when an image with the same stamp is
// already installed beside the slot.
var ErrMemberExists = errors.New("image with this stamp already installed")

// ReplaceOptions tunes the replacement protocol.
type ReplaceOptions struct {
	// FsyncSize forces written data to disk every FsyncSize bytes; 0
	// disables intermediate syncs.
	FsyncSize int64
	// NoSymlinks installs the new image under the slot name itself
	// instead of pointing a symlink at it.
	NoSymlinks bool
	Algo       string
	Checksums  *ChecksumFile
	// Progress is called with the running byte count; done is set once
	// the source is exhausted.
	Progress func(n int64, done bool)
	Now      func() time.Time
	Logger   *slog.Logger
}

func (o *ReplaceOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *ReplaceOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ReplaceResult describes an installed image.
type ReplaceResult struct {
	Path     string `json:"path"`
	Member   string `json:"member"`
	Stamp    uint32 `json:"create_stamp"`
	Size     int64  `json:"size"`
	Algo     string `json:"algo"`
	Checksum string `json:"checksum"`
	Backup   string `json:"backup,omitempty"`
}

// ReplaceWith streams src into "<name>.<stamp>" beside the package and
// then swaps the slot over to it. Readers of the slot path see either the
// complete old image or the complete new one.
func (p *Package) ReplaceWith(ctx context.Context, src Image, opts ReplaceOptions) (*ReplaceResult, error) {
	h, err := NewHash(opts.Algo)
	if err != nil {
		return nil, err
	}

	r, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	defer r.Close()

	buf := make([]byte, chunkSize)
	n, rerr := io.ReadFull(r, buf)
	eof := errors.Is(rerr, io.ErrUnexpectedEOF) || errors.Is(rerr, io.EOF)
	if rerr != nil && !eof {
		return nil, fmt.Errorf("read %s: %w", src, rerr)
	}
	stamp, err := ParseHeader(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	first := buf[:n]

	member := p.memberPath(stamp)
	pf, err := renameio.TempFile(p.Dir(), member)
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", member, err)
	}
	defer pf.Cleanup()

	w := &syncWriter{f: pf.File, h: h, threshold: opts.FsyncSize, progress: opts.Progress}
	if opts.Progress != nil {
		opts.Progress(0, false)
	}
	if err := w.write(first); err != nil {
		return nil, err
	}
	for !eof {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := w.write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
	}
	if opts.Progress != nil {
		opts.Progress(w.total, true)
	}

	// CloseAtomicallyReplace syncs before the rename.
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("publish %s: %w", member, err)
	}

	res := &ReplaceResult{
		Path:     p.path,
		Member:   member,
		Stamp:    stamp,
		Size:     w.total,
		Algo:     algoName(opts.Algo),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}
	if err := p.install(member, res, opts); err != nil {
		return nil, err
	}
	opts.logger().Info("file digest", "package", p.path, "algo", res.Algo, "checksum", res.Checksum)
	return res, nil
}

// ReplaceFile installs an already written image (for example fresh
// mksquashfs output) into the slot, renaming it to "<name>.<stamp>".
func (p *Package) ReplaceFile(ctx context.Context, temp string, opts ReplaceOptions) (*ReplaceResult, error) {
	h, err := NewHash(opts.Algo)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(temp)
	if err != nil {
		return nil, err
	}
	stamp, err := ReadStamp(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	var size int64
	if err == nil {
		size, err = io.Copy(h, f)
	}
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", temp, err)
	}

	member := p.memberPath(stamp)
	if _, err := os.Lstat(member); err == nil {
		return nil, fmt.Errorf("%s: %w", member, ErrMemberExists)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", member, err)
	}
	if err := os.Rename(temp, member); err != nil {
		return nil, fmt.Errorf("rename %s: %w", temp, err)
	}
	res := &ReplaceResult{
		Path:     p.path,
		Member:   member,
		Stamp:    stamp,
		Size:     size,
		Algo:     algoName(opts.Algo),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}
	if err := p.install(member, res, opts); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Package) memberPath(stamp uint32) string {
	return p.path + "." + strconv.FormatUint(uint64(stamp), 10)
}

// install backs up the current slot content and points the slot at member.
func (p *Package) install(member string, res *ReplaceResult, opts ReplaceOptions) error {
	log := opts.logger()

	oldInfo, statErr := os.Stat(p.path)
	backup, err := p.backup(opts.now())
	if err != nil {
		return err
	}
	res.Backup = backup

	if opts.NoSymlinks || p.linksDisabled() {
		if err := os.Rename(member, p.path); err != nil {
			return fmt.Errorf("install %s: %w", p.path, err)
		}
		res.Member = p.path
	} else if err := renameio.Symlink(filepath.Base(member), p.path); err != nil {
		if !errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("link %s: %w", p.path, err)
		}
		log.Warn("symlinks not permitted, installing in place", "package", p.path)
		if err := os.Rename(member, p.path); err != nil {
			return fmt.Errorf("install %s: %w", p.path, err)
		}
		res.Member = p.path
	}

	if statErr == nil {
		carryOwnership(p.path, oldInfo, log)
	}

	p.Invalidate()

	if opts.Checksums != nil {
		if err := opts.Checksums.Update(p.path, res.Checksum); err != nil {
			log.Warn("cannot update checksum file", "file", opts.Checksums.Path, "error", err)
		}
	}
	return nil
}

// backup preserves the current slot entry as "<name>.OLD.<unix time>"
// without removing the slot itself.
func (p *Package) backup(now time.Time) (string, error) {
	fi, err := os.Lstat(p.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", p.path, err)
	}
	name := fmt.Sprintf("%s.OLD.%d", p.path, now.Unix())

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p.path)
		if err != nil {
			return "", fmt.Errorf("readlink %s: %w", p.path, err)
		}
		if err := os.Symlink(target, name); err != nil {
			return "", fmt.Errorf("backup %s: %w", p.path, err)
		}
		return name, nil
	}
	if err := os.Link(p.path, name); err == nil {
		return name, nil
	}
	// Hard links unsupported here; fall back to moving the file aside.
	if err := os.Rename(p.path, name); err != nil {
		return "", fmt.Errorf("backup %s: %w", p.path, err)
	}
	return name, nil
}

func (p *Package) linksDisabled() bool {
	_, err := os.Stat(filepath.Join(p.Dir(), ".nolinks"))
	return err == nil
}

func carryOwnership(path string, old os.FileInfo, log *slog.Logger) {
	if st, ok := old.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(path, int(st.Uid), int(st.Gid)); err != nil {
			log.Warn("cannot carry over ownership", "path", path, "uid", st.Uid, "gid", st.Gid, "error", err)
		}
	}
	if err := os.Chmod(path, old.Mode().Perm()); err != nil {
		log.Warn("cannot carry over mode", "path", path, "mode", old.Mode().Perm(), "error", err)
	}
}

func algoName(algo string) string {
	if algo == "" {
		return AlgoSHA256
	}
	return algo
}

type syncWriter struct {
	f         *os.File
	h         hash.Hash
	threshold int64
	unsynced  int64
	total     int64
	progress  func(int64, bool)
}

func (w *syncWriter) write(b []byte) error {
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", w.f.Name(), err)
	}
	w.h.Write(b)
	w.total += int64(len(b))
	w.unsynced += int64(len(b))
	if w.threshold > 0 && w.unsynced >= w.threshold {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", w.f.Name(), err)
		}
		w.unsynced = 0
	}
	if w.progress != nil {
		w.progress(w.total, false)
	}
	return nil
}
