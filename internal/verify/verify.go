// Package verify re-hashes an installed build against its manifest.
package verify

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// Status is the outcome for one file.
type Status int

const (
	OK Status = iota
	Missing
	SizeMismatch
	HashMismatch
	ReadError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Missing:
		return "missing"
	case SizeMismatch:
		return "size_mismatch"
	case HashMismatch:
		return "hash_mismatch"
	default:
		return "read_error"
	}
}

// FileResult describes one checked file.
type FileResult struct {
	Filename string
	Status   Status
	Err      error
}

// Report is the result of checking a whole tree.
type Report struct {
	Checked int
	Bytes   int64
	// Failed lists files that did not verify, in manifest order.
	Failed  []FileResult
	Elapsed time.Duration
}

// OK reports whether every file matched.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// Options tunes Tree.
type Options struct {
	// Workers defaults to the number of CPUs.
	Workers int
	// ProgressInterval enables periodic progress logs when > 0.
	ProgressInterval time.Duration
}

var bufPool = sync.Pool{New: func() any { b := make([]byte, 1<<20); return &b }}

// Tree checks every file of m under root: symlinks by target, regular files
// by size and SHA-1, plus SHA-256 when the manifest carries one. Files with
// an all-zero SHA-1 are checked by size only.
func Tree(ctx context.Context, root string, m *manifest.Manifest, opts Options) (*Report, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	files := m.Files()
	results := make([]FileResult, len(files))
	start := time.Now()

	var (
		mu    sync.Mutex
		bytes int64
	)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res, n := checkFile(root, files[idx])
				results[idx] = res
				mu.Lock()
				bytes += n
				mu.Unlock()
			}
		}()
	}

	var stopProgress chan struct{}
	if opts.ProgressInterval > 0 {
		stopProgress = make(chan struct{})
		ticker := time.NewTicker(opts.ProgressInterval)
		total := m.InstallSize()
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-stopProgress:
					return
				case <-ticker.C:
					mu.Lock()
					done := bytes
					mu.Unlock()
					var pct float64
					if total > 0 {
						pct = float64(done) / float64(total) * 100
					}
					slog.Info("verify_progress", "percent", fmt.Sprintf("%.1f", pct), "done_mb", fmt.Sprintf("%.2f", float64(done)/(1<<20)))
				}
			}
		}()
	}

	var err error
feed:
	for i := range files {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if stopProgress != nil {
		close(stopProgress)
	}
	if err != nil {
		return nil, err
	}

	rep := &Report{Checked: len(files), Bytes: bytes, Elapsed: time.Since(start)}
	for _, r := range results {
		if r.Status != OK {
			rep.Failed = append(rep.Failed, r)
			slog.Warn("verify_failed", "file", r.Filename, "status", r.Status.String(), "err", r.Err)
		}
	}
	slog.Info("verify_done", "checked", rep.Checked, "failed", len(rep.Failed), "elapsed", rep.Elapsed.String())
	return rep, nil
}

func checkFile(root string, fm *manifest.FileManifest) (FileResult, int64) {
	res := FileResult{Filename: fm.Filename}
	rel := filepath.FromSlash(strings.ReplaceAll(fm.Filename, `\`, "/"))
	if !filepath.IsLocal(rel) {
		res.Status, res.Err = ReadError, fmt.Errorf("unsafe path %q", fm.Filename)
		return res, 0
	}
	path := filepath.Join(root, rel)

	if fm.IsSymlink() {
		target, err := os.Readlink(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.Status = Missing
		case err != nil:
			res.Status, res.Err = ReadError, err
		case filepath.ToSlash(target) != strings.ReplaceAll(fm.SymlinkTarget, `\`, "/"):
			res.Status, res.Err = HashMismatch, fmt.Errorf("link points to %q", target)
		}
		return res, 0
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		res.Status = Missing
		return res, 0
	}
	if err != nil {
		res.Status, res.Err = ReadError, err
		return res, 0
	}
	defer f.Close()

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	h := sha1.New()
	var w io.Writer = h
	var h256 hash.Hash
	if len(fm.HashSHA256) == sha256.Size {
		h256 = sha256.New()
		w = io.MultiWriter(h, h256)
	}
	n, err := io.CopyBuffer(w, f, *bp)
	if err != nil {
		res.Status, res.Err = ReadError, err
		return res, n
	}
	if n != fm.FileSize {
		res.Status, res.Err = SizeMismatch, fmt.Errorf("%d bytes, want %d", n, fm.FileSize)
		return res, n
	}
	if fm.SHAHash != [20]byte{} {
		var sum [20]byte
		copy(sum[:], h.Sum(nil))
		if sum != fm.SHAHash {
			res.Status, res.Err = HashMismatch, fmt.Errorf("sha1 %x, want %x", sum, fm.SHAHash)
			return res, n
		}
	}
	if h256 != nil {
		if sum := h256.Sum(nil); !bytes.Equal(sum, fm.HashSHA256) {
			res.Status, res.Err = HashMismatch, fmt.Errorf("sha256 %x, want %x", sum, fm.HashSHA256)
		}
	}
	return res, n
}
