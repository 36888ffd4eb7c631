package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ManifestSource produces the raw manifest bytes and the CDN base URLs the
// chunks can be fetched from. Credentials and game lookup live behind it.
type ManifestSource interface {
	FetchManifest(ctx context.Context) (data []byte, baseURLs []string, err error)
}

// StaticSource serves a manifest already in memory.
type StaticSource struct {
	Data     []byte
	BaseURLs []string
}

func (s StaticSource) FetchManifest(ctx context.Context) ([]byte, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(s.Data) == 0 {
		return nil, nil, errors.New("empty manifest")
	}
	return s.Data, s.BaseURLs, nil
}

// FileSource reads a manifest from a local file.
type FileSource struct {
	Path     string
	BaseURLs []string
}

func (s FileSource) FetchManifest(ctx context.Context) ([]byte, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, nil, err
	}
	return b, s.BaseURLs, nil
}

// URLSource downloads a manifest from the first URL that answers 200. With
// no BaseURLs the directories of the manifest URLs serve as CDN bases, the
// answering one first.
type URLSource struct {
	Client   *http.Client
	URLs     []string
	BaseURLs []string
}

// ManifestBaseURL strips the query and the last path segment from a
// manifest URL, leaving the CDN directory that holds the chunk folders.
func ManifestBaseURL(manifestURL string) (string, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return "", err
	}
	i := strings.LastIndex(u.Path, "/")
	if u.Scheme == "" || u.Host == "" || i < 0 {
		return "", fmt.Errorf("manifest url %q has no directory", manifestURL)
	}
	u.Path, u.RawPath = u.Path[:i], ""
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

func (s URLSource) baseURLs(first string) []string {
	if len(s.BaseURLs) > 0 {
		return s.BaseURLs
	}
	var bases []string
	for _, u := range append([]string{first}, s.URLs...) {
		if b, err := ManifestBaseURL(u); err == nil {
			bases = append(bases, b)
		}
	}
	return mergeBaseURLs(bases)
}

func (s URLSource) FetchManifest(ctx context.Context) ([]byte, []string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	var errs []error
	for _, u := range s.URLs {
		b, err := getBody(ctx, client, u)
		if err == nil {
			return b, s.baseURLs(u), nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, nil, errors.New("no manifest urls")
	}
	return nil, nil, errors.Join(errs...)
}

func getBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
