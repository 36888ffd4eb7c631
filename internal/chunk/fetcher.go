package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
	"github.com/APTlantis/epic-build-downloader/internal/metrics"
)

// ErrAllMirrorsFailed wraps the per-mirror errors once every base URL has
// been tried.
var ErrAllMirrorsFailed = errors.New("chunk: all mirrors failed")

// UserAgent is sent with every CDN request.
const UserAgent = "EpicBuildDownloader/0.1"

// maxEnvelope bounds a single response body.
const maxEnvelope = 64 << 20

// StatusError is a non-2xx CDN response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code) }

// Fetcher downloads chunks from an ordered list of mirrors, verifies them and
// writes them to a Store.
type Fetcher struct {
	client *http.Client
	store  *Store
}

// NewHTTPClient returns a client tuned for parallel chunk downloads with the
// given connect and overall request timeouts.
func NewHTTPClient(concurrency int, connectTimeout, readTimeout time.Duration) *http.Client {
	if concurrency < 1 {
		concurrency = 1
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          concurrency * 4,
		MaxIdleConnsPerHost:   concurrency * 4,
		MaxConnsPerHost:       concurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: readTimeout}
}

// NewFetcher uses client for every request. store may be nil, in which case
// nothing is cached.
func NewFetcher(client *http.Client, store *Store) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, store: store}
}

// Fetch returns the verified decompressed bytes of a chunk. A valid cached
// copy is returned without touching the network. Otherwise each base URL is
// tried in order; transport errors and corrupt payloads move on to the next
// mirror. Fetching the same chunk twice yields identical bytes.
func (f *Fetcher) Fetch(ctx context.Context, info *manifest.ChunkInfo, version int32, baseURLs []string) ([]byte, error) {
	if f.store != nil {
		if b, ok := f.store.Lookup(info); ok {
			slog.Debug("chunk_cache_hit", "guid", info.GUID.String())
			return b, nil
		}
	}
	if len(baseURLs) == 0 {
		return nil, fmt.Errorf("%w: chunk %s: no base urls", ErrAllMirrorsFailed, info.GUID)
	}

	path := info.Path(version)
	var errs []error
	for _, base := range baseURLs {
		url := strings.TrimRight(base, "/") + "/" + path
		data, err := f.fetchFrom(ctx, url, info)
		if err == nil {
			if f.store != nil {
				if err := f.store.Put(info.GUID, data); err != nil {
					return nil, err
				}
			}
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
		if isCorruption(err) {
			slog.Error("chunk_verify_failed", "guid", info.GUID.String(), "url", url, "err", err)
		} else {
			slog.Warn("chunk_fetch_failed", "guid", info.GUID.String(), "url", url, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: chunk %s: %w", ErrAllMirrorsFailed, info.GUID, errors.Join(errs...))
}

func (f *Fetcher) fetchFrom(ctx context.Context, url string, info *manifest.ChunkInfo) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)

	metrics.Inflight.Inc()
	defer metrics.Inflight.Dec()
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
		metrics.ChunkRequests.WithLabelValues("error", "net").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
		metrics.ChunkRequests.WithLabelValues("error", strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelope))
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChunkRequests.WithLabelValues("error", "body").Inc()
		return nil, err
	}
	metrics.ChunkRequests.WithLabelValues("ok", strconv.Itoa(resp.StatusCode)).Inc()
	metrics.ChunkBytes.Add(float64(len(body)))

	data, err := Decompress(info, body)
	if err != nil {
		metrics.VerifyFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	return data, nil
}

// isCorruption separates bad payloads, which point at CDN corruption or a
// manifest/CDN version mismatch, from transport failures.
func isCorruption(err error) bool {
	for _, target := range []error{ErrHashMismatch, ErrSizeMismatch, ErrCorrupt, ErrBadMagic, ErrTruncated, ErrEncrypted} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrHashMismatch):
		return "hash"
	case errors.Is(err, ErrSizeMismatch):
		return "size"
	case errors.Is(err, ErrBadMagic):
		return "magic"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrEncrypted):
		return "encrypted"
	default:
		return "corrupt"
	}
}
