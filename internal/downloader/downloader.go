// Package downloader drives a full build download: fetch and parse the
// manifest, download the referenced chunks in bounded batches, assemble every
// file and clean up the scratch cache.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/APTlantis/epic-build-downloader/internal/assembler"
	"github.com/APTlantis/epic-build-downloader/internal/chunk"
	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// DefaultConcurrency is the number of chunk fetches per batch.
const DefaultConcurrency = 4

// Fractions of the progress bar given to each phase. Chunk bytes move the
// first share, assembled files the rest.
const (
	chunkShare    = 0.9
	assembleShare = 1 - chunkShare
)

// Options configures a Downloader.
type Options struct {
	InstallDir string
	ScratchDir string
	// Concurrency is the batch size of the chunk phase.
	Concurrency int
	// BaseURLs are appended after the ones the manifest source returns.
	BaseURLs []string
	// Client is used for chunk requests. Nil means NewHTTPClient defaults.
	Client *http.Client
	// CacheCompression stores scratch chunks as zstd frames.
	CacheCompression bool
	// SkipFileHash disables the whole-file SHA-1 check after assembly.
	SkipFileHash bool
	// KeepScratch leaves the scratch cache in place after success.
	KeepScratch bool
}

// Result summarises a run. Run always returns one, even on error.
type Result struct {
	State           State
	Manifest        *manifest.Manifest
	ChunksFetched   int
	FilesAssembled  int
	FilesSkipped    []string
	BytesDownloaded int64
	Elapsed         time.Duration
}

// Downloader runs downloads. A Downloader is used for one run at a time.
type Downloader struct {
	opts   Options
	client *http.Client

	mu    sync.Mutex
	state State
}

// New fills in defaults for zero Options fields.
func New(opts Options) *Downloader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	client := opts.Client
	if client == nil {
		client = chunk.NewHTTPClient(opts.Concurrency, 30*time.Second, 60*time.Second)
	}
	return &Downloader{opts: opts, client: client}
}

// State returns the current phase.
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Downloader) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	slog.Debug("state", "from", prev.String(), "to", s.String())
}

// run carries the state of one Run call.
type run struct {
	d        *Downloader
	ctx      context.Context
	progress Progress
	res      *Result
	start    time.Time

	total      int64
	downloaded int64
	bytesMu    sync.Mutex
}

// Run executes the full pipeline. On failure or cancellation the progress
// sink receives -1 and the returned error is an *Error.
func (d *Downloader) Run(ctx context.Context, src ManifestSource, progress Progress) (*Result, error) {
	if progress == nil {
		progress = &DownloadInfo{}
	}
	r := &run{d: d, ctx: ctx, progress: progress, res: &Result{}, start: time.Now()}
	err := r.exec(src)
	r.res.Elapsed = time.Since(r.start)
	r.res.State = d.State()
	return r.res, err
}

func (r *run) exec(src ManifestSource) error {
	d := r.d
	d.setState(FetchingManifest)
	r.progress.SetStatusMessage("Fetching manifest")
	data, bases, err := src.FetchManifest(r.ctx)
	if err != nil {
		if r.cancelled() {
			return r.cancel()
		}
		return r.fail(KindManifest, "", fmt.Errorf("fetch manifest: %w", err))
	}
	m, err := manifest.Parse(data)
	data = nil
	if err != nil {
		return r.fail(KindManifest, "", fmt.Errorf("parse manifest: %w", err))
	}
	r.res.Manifest = m
	bases = mergeBaseURLs(bases, d.opts.BaseURLs)
	slog.Info("manifest_loaded", "app", m.Meta.AppName, "build", m.Meta.BuildVersion, "version", m.Version,
		"format", m.Format.String(), "files", len(m.Files()), "chunks", len(m.Chunks()), "mirrors", len(bases))

	d.setState(Preparing)
	r.progress.SetStatusMessage("Preparing")
	r.total = m.InstallSize()
	r.progress.SetTotalExpectedBytes(r.total)
	r.progress.SetProgress(0)
	required, contrib, err := requiredChunks(m)
	if err != nil {
		return r.fail(KindManifest, "", err)
	}
	if len(required) > 0 && len(bases) == 0 {
		return r.fail(KindManifest, "", errors.New("no CDN base urls"))
	}
	store, err := chunk.NewStore(d.opts.ScratchDir, d.opts.CacheCompression)
	if err != nil {
		return r.fail(KindResource, "", fmt.Errorf("scratch dir: %w", err))
	}
	defer store.Close()

	d.setState(DownloadingChunks)
	fetched, cancelled, chunkErr := r.downloadChunks(m, store, required, contrib, bases)
	if cancelled {
		return r.cancel()
	}

	d.setState(Assembling)
	asm := assembler.New(d.opts.InstallDir, store)
	asm.VerifyHash = !d.opts.SkipFileHash
	files := m.Files()
	for i, f := range files {
		if r.cancelled() {
			return r.cancel()
		}
		if chunkErr != nil && !allFetched(f, fetched) {
			r.res.FilesSkipped = append(r.res.FilesSkipped, f.Filename)
			continue
		}
		r.progress.SetStatusMessage(fmt.Sprintf("Assembling file %d/%d: %s", i+1, len(files), f.Filename))
		if err := asm.AssembleFile(r.ctx, f); err != nil {
			if r.cancelled() {
				return r.cancel()
			}
			return r.fail(assemblyKind(err), f.Filename, err)
		}
		r.res.FilesAssembled++
		r.publish(i+1, len(files))
	}
	if chunkErr != nil {
		return r.fail(KindChunk, "", chunkErr)
	}

	d.setState(CleaningUp)
	r.progress.SetStatusMessage("Cleaning up")
	if !d.opts.KeepScratch {
		if err := store.RemoveAll(); err != nil {
			slog.Warn("scratch_cleanup_failed", "dir", store.Dir(), "err", err)
		}
	}

	d.setState(Complete)
	r.progress.SetProgress(1)
	r.progress.SetStatusMessage("Complete")
	slog.Info("download_complete", "files", r.res.FilesAssembled, "chunks", r.res.ChunksFetched,
		"bytes", r.res.BytesDownloaded, "elapsed", time.Since(r.start).String())
	return nil
}

// downloadChunks fetches required chunks in batches of Concurrency. The
// first batch with a failure ends the phase. The returned set holds every
// chunk that is verified and in the store.
func (r *run) downloadChunks(m *manifest.Manifest, store *chunk.Store, required []*manifest.ChunkInfo, contrib map[manifest.GUID]int64, bases []string) (fetched map[manifest.GUID]bool, cancelled bool, err error) {
	d := r.d
	fetcher := chunk.NewFetcher(d.client, store)
	version := m.FeatureLevel()
	fetched = make(map[manifest.GUID]bool, len(required))
	batch := d.opts.Concurrency

	for start := 0; start < len(required); start += batch {
		if r.cancelled() {
			return fetched, true, nil
		}
		end := min(start+batch, len(required))
		group := required[start:end]
		r.progress.SetStatusMessage(fmt.Sprintf("Downloading chunks %d-%d/%d", start+1, end, len(required)))

		errs := make([]error, len(group))
		var wg sync.WaitGroup
		for i, c := range group {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := fetcher.Fetch(r.ctx, c, version, bases); err != nil {
					errs[i] = err
					return
				}
				r.addBytes(contrib[c.GUID])
			}()
		}
		wg.Wait()

		var first error
		for i, err := range errs {
			if err != nil {
				if first == nil {
					first = fmt.Errorf("chunk %s: %w", group[i].GUID, err)
				}
				continue
			}
			fetched[group[i].GUID] = true
			r.res.ChunksFetched++
		}
		if first != nil {
			if r.cancelled() {
				return fetched, true, nil
			}
			slog.Error("chunk_phase_failed", "err", first)
			return fetched, false, first
		}
		r.publish(0, 0)
	}
	return fetched, false, nil
}

func (r *run) addBytes(n int64) {
	r.progress.AddBytesDownloaded(n)
	r.bytesMu.Lock()
	r.downloaded += n
	r.res.BytesDownloaded = r.downloaded
	r.bytesMu.Unlock()
}

// publish sends the combined progress fraction. filesTotal of zero means the
// assembly phase has not started.
func (r *run) publish(filesDone, filesTotal int) {
	r.bytesMu.Lock()
	downloaded := r.downloaded
	r.bytesMu.Unlock()
	frac := chunkShare
	if r.total > 0 {
		frac = chunkShare * float64(downloaded) / float64(r.total)
	}
	if filesTotal > 0 {
		frac += assembleShare * float64(filesDone) / float64(filesTotal)
	}
	if frac > 1 {
		frac = 1
	}
	r.progress.SetProgress(frac)
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil || r.progress.IsCancelled()
}

func (r *run) cancel() error {
	r.d.setState(Cancelled)
	r.progress.SetProgress(-1)
	r.progress.SetStatusMessage("Cancelled")
	slog.Info("download_cancelled", "chunks", r.res.ChunksFetched, "files", r.res.FilesAssembled)
	return &Error{Kind: KindCancelled, Err: ErrCancelled}
}

func (r *run) fail(kind Kind, file string, err error) error {
	r.d.setState(Failed)
	r.progress.SetProgress(-1)
	e := &Error{Kind: kind, File: file, Err: err}
	r.progress.SetStatusMessage("Failed: " + e.Error())
	slog.Error("download_failed", "kind", kind.String(), "file", file, "err", err)
	return e
}

// requiredChunks lists the chunks referenced by at least one file, in order
// of first reference, with the number of file bytes each one supplies.
func requiredChunks(m *manifest.Manifest) ([]*manifest.ChunkInfo, map[manifest.GUID]int64, error) {
	var out []*manifest.ChunkInfo
	contrib := make(map[manifest.GUID]int64)
	for _, f := range m.Files() {
		for _, p := range f.ChunkParts {
			if _, seen := contrib[p.GUID]; !seen {
				c, ok := m.ChunkDataList.Get(p.GUID)
				if !ok {
					return nil, nil, fmt.Errorf("%s references unknown chunk %s", f.Filename, p.GUID)
				}
				out = append(out, c)
			}
			contrib[p.GUID] += int64(p.Size)
		}
	}
	return out, contrib, nil
}

func allFetched(f *manifest.FileManifest, fetched map[manifest.GUID]bool) bool {
	for _, p := range f.ChunkParts {
		if !fetched[p.GUID] {
			return false
		}
	}
	return true
}

func assemblyKind(err error) Kind {
	var pe *fs.PathError
	var le *os.LinkError
	if errors.Is(err, assembler.ErrMissingChunk) || errors.As(err, &pe) || errors.As(err, &le) {
		return KindResource
	}
	return KindAssembly
}

func mergeBaseURLs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, u := range l {
			u = strings.TrimRight(strings.TrimSpace(u), "/")
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
