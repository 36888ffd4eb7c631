// Package assembler writes installed files from cached chunks.
package assembler

import (
	"bufio"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/APTlantis/epic-build-downloader/internal/chunk"
	"github.com/APTlantis/epic-build-downloader/internal/manifest"
	"github.com/APTlantis/epic-build-downloader/internal/metrics"
)

var (
	// ErrMissingChunk means a part references a chunk that is not in the
	// scratch store. Chunks must all be fetched before assembly starts, so
	// this is an ordering bug rather than a download failure.
	ErrMissingChunk = errors.New("assembler: referenced chunk not in scratch store")
	ErrPartRange    = errors.New("assembler: chunk part outside chunk window")
	ErrFileHash     = errors.New("assembler: file hash mismatch")
	ErrUnsafePath   = errors.New("assembler: file path escapes install dir")
)

// ChunkSource hands out verified decompressed chunk bytes. *chunk.Store
// implements it.
type ChunkSource interface {
	Get(g manifest.GUID) ([]byte, error)
}

// Assembler lays files out under an install directory.
type Assembler struct {
	installDir string
	chunks     ChunkSource
	// VerifyHash checks each regular file's SHA-1 before it is renamed into
	// place. Files whose manifest hash is all zero are not checked.
	VerifyHash bool
}

// New returns an Assembler with hash verification on.
func New(installDir string, chunks ChunkSource) *Assembler {
	return &Assembler{installDir: installDir, chunks: chunks, VerifyHash: true}
}

func localPath(p string) string {
	return filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
}

// Target returns the absolute destination of a manifest path.
func (a *Assembler) Target(filename string) (string, error) {
	rel := localPath(filename)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}
	return filepath.Join(a.installDir, rel), nil
}

// checkParent resolves the deepest existing ancestor of dir and fails when
// it lies outside the install dir, so links already on disk cannot redirect
// a write.
func (a *Assembler) checkParent(dir string) error {
	if err := os.MkdirAll(a.installDir, 0o755); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(a.installDir)
	if err != nil {
		return err
	}
	for p := dir; ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			rel, err := filepath.Rel(root, real)
			if err != nil || (rel != "." && !filepath.IsLocal(rel)) {
				return fmt.Errorf("%w: %s resolves to %s", ErrUnsafePath, dir, real)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return err
		}
		p = parent
	}
}

// AssembleFile writes one file by copying every chunk part, in order, to the
// current end of <dest>.part and renaming it over dest once complete. The
// real filename never appears for a file that failed.
func (a *Assembler) AssembleFile(ctx context.Context, fm *manifest.FileManifest) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.FilesAssembled.WithLabelValues(result).Inc()
	}()

	dst, err := a.Target(fm.Filename)
	if err != nil {
		return err
	}
	if err := a.checkParent(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if fm.IsSymlink() {
		return a.symlink(fm, dst)
	}

	tmp := dst + ".part"
	_ = os.Remove(tmp)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	written, sum, err := a.writeParts(f, fm)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && a.VerifyHash && fm.SHAHash != [20]byte{} && sum != fm.SHAHash {
		slog.Error("file_hash_mismatch", "file", fm.Filename, "got", fmt.Sprintf("%x", sum), "want", fmt.Sprintf("%x", fm.SHAHash))
		err = fmt.Errorf("%w: %s", ErrFileHash, fm.Filename)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("assemble %s: %w", fm.Filename, err)
	}

	if err := os.Chmod(tmp, fileMode(fm)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	slog.Debug("assemble_file", "file", fm.Filename, "bytes", written, "parts", len(fm.ChunkParts))
	return nil
}

func (a *Assembler) writeParts(w io.Writer, fm *manifest.FileManifest) (int64, [20]byte, error) {
	var sum [20]byte
	h := sha1.New()
	bw := bufio.NewWriterSize(io.MultiWriter(w, h), 1<<20)

	var (
		cur     manifest.GUID
		data    []byte
		loaded  bool
		written int64
	)
	for i, p := range fm.ChunkParts {
		if !loaded || p.GUID != cur {
			b, err := a.chunks.Get(p.GUID)
			if errors.Is(err, chunk.ErrNotCached) {
				return written, sum, fmt.Errorf("%w: %s (part %d)", ErrMissingChunk, p.GUID, i)
			}
			if err != nil {
				return written, sum, err
			}
			cur, data, loaded = p.GUID, b, true
		}
		end := uint64(p.Offset) + uint64(p.Size)
		if end > uint64(len(data)) {
			return written, sum, fmt.Errorf("%w: part %d [%d,%d) of %s, window %d", ErrPartRange, i, p.Offset, end, p.GUID, len(data))
		}
		n, err := bw.Write(data[p.Offset:end])
		written += int64(n)
		if err != nil {
			return written, sum, err
		}
	}
	if err := bw.Flush(); err != nil {
		return written, sum, err
	}
	copy(sum[:], h.Sum(nil))
	return written, sum, nil
}

func (a *Assembler) symlink(fm *manifest.FileManifest, dst string) error {
	// Link targets are relative to the link and must stay inside the
	// install dir.
	target := localPath(fm.SymlinkTarget)
	rel := localPath(fm.Filename)
	if filepath.IsAbs(target) || !filepath.IsLocal(filepath.Join(filepath.Dir(rel), target)) {
		return fmt.Errorf("%w: %s -> %q", ErrUnsafePath, fm.Filename, fm.SymlinkTarget)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("assemble %s: %w", fm.Filename, err)
	}
	return nil
}

func fileMode(fm *manifest.FileManifest) fs.FileMode {
	mode := fs.FileMode(0o644)
	if fm.Executable() {
		mode = 0o755
	}
	if fm.ReadOnly() {
		mode &^= 0o222
	}
	return mode
}
