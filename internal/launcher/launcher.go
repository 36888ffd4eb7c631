// Package launcher asks the Epic launcher assets service where a build's
// manifest and chunks live.
package launcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultAPIURL is the public launcher service.
const DefaultAPIURL = "https://launcher-public-service-prod06.ol.epicgames.com"

// DefaultPlatform is the only platform whose manifests are supported.
const DefaultPlatform = "Windows"

var (
	ErrUnauthorized = errors.New("launcher: access token rejected")
	ErrNoManifest   = errors.New("launcher: no manifest for target")
	ErrManifestHash = errors.New("launcher: manifest hash mismatch")
)

// Target names one build.
type Target struct {
	Namespace     string
	CatalogItemID string
	AppName       string
	// Label defaults to "Live".
	Label string
}

// ManifestInfo is the answer to a manifest lookup.
type ManifestInfo struct {
	AppName      string
	Label        string
	BuildVersion string
	// SHA1 of the manifest file as hex, when the service provides it.
	SHA1 string
	// URLs are manifest download locations, tried in order.
	URLs []string
	// BaseURLs are the CDN directories holding the chunk folders.
	BaseURLs []string
}

// Client talks to the assets API. The access token is opaque here: it is
// sent as a bearer token and never refreshed.
type Client struct {
	http     *http.Client
	apiURL   string
	platform string
}

// NewClient falls back to DefaultAPIURL and DefaultPlatform when apiURL or
// platform are empty.
func NewClient(httpClient *http.Client, apiURL, platform string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if platform == "" {
		platform = DefaultPlatform
	}
	return &Client{http: httpClient, apiURL: strings.TrimRight(apiURL, "/"), platform: platform}
}

type assetsResponse struct {
	Elements []struct {
		AppName      string `json:"appName"`
		LabelName    string `json:"labelName"`
		BuildVersion string `json:"buildVersion"`
		Hash         string `json:"hash"`
		Manifests    []struct {
			URI         string `json:"uri"`
			QueryParams []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"queryParams"`
		} `json:"manifests"`
	} `json:"elements"`
}

// ManifestFor resolves a target to its manifest URLs and CDN base URLs.
func (c *Client) ManifestFor(ctx context.Context, token string, t Target) (*ManifestInfo, error) {
	label := t.Label
	if label == "" {
		label = "Live"
	}
	endpoint := fmt.Sprintf("%s/launcher/api/public/assets/v2/platform/%s/namespace/%s/catalogItem/%s/app/%s/label/%s",
		c.apiURL, url.PathEscape(c.platform), url.PathEscape(t.Namespace), url.PathEscape(t.CatalogItemID),
		url.PathEscape(t.AppName), url.PathEscape(label))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest lookup: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("manifest lookup: HTTP %d", resp.StatusCode)
	}

	var ar assetsResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("manifest lookup: decode: %w", err)
	}
	if len(ar.Elements) == 0 || len(ar.Elements[0].Manifests) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoManifest, t.AppName, label)
	}
	el := ar.Elements[0]
	info := &ManifestInfo{AppName: el.AppName, Label: el.LabelName, BuildVersion: el.BuildVersion, SHA1: el.Hash}
	seen := make(map[string]bool)
	for _, m := range el.Manifests {
		if i := strings.LastIndex(m.URI, "/"); i > 0 {
			if base := m.URI[:i]; !seen[base] {
				seen[base] = true
				info.BaseURLs = append(info.BaseURLs, base)
			}
		}
		if len(m.QueryParams) == 0 {
			info.URLs = append(info.URLs, m.URI)
			continue
		}
		params := make([]string, 0, len(m.QueryParams))
		for _, p := range m.QueryParams {
			params = append(params, p.Name+"="+p.Value)
		}
		info.URLs = append(info.URLs, m.URI+"?"+strings.Join(params, "&"))
	}
	slog.Debug("manifest_lookup", "app", info.AppName, "build", info.BuildVersion, "urls", len(info.URLs), "mirrors", len(info.BaseURLs))
	return info, nil
}

// DownloadManifest fetches the manifest from the first URL that answers and,
// when info.SHA1 is set, checks the file against it. A mismatching copy
// moves on to the next URL.
func (c *Client) DownloadManifest(ctx context.Context, info *ManifestInfo) ([]byte, error) {
	var errs []error
	for _, u := range info.URLs {
		b, err := c.get(ctx, u)
		if err == nil && info.SHA1 != "" {
			sum := sha1.Sum(b)
			if !strings.EqualFold(hex.EncodeToString(sum[:]), info.SHA1) {
				err = fmt.Errorf("%w: %s", ErrManifestHash, u)
			}
		}
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("manifest_download_failed", "url", u, "err", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoManifest
	}
	return nil, errors.Join(errs...)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Source adapts a Client to the downloader's manifest source: one lookup,
// then one manifest download.
type Source struct {
	Client *Client
	Token  string
	Target Target
}

func (s Source) FetchManifest(ctx context.Context) ([]byte, []string, error) {
	info, err := s.Client.ManifestFor(ctx, s.Token, s.Target)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.Client.DownloadManifest(ctx, info)
	if err != nil {
		return nil, nil, err
	}
	return b, info.BaseURLs, nil
}
