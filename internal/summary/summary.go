// Package summary renders a parsed manifest as JSON, either as a short
// summary or as a complete dump, and writes install sidecars.
package summary

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// SidecarName is the summary file written into an install directory.
const SidecarName = ".egs-manifest.json"

const sampleSize = 5

// Summary is the short form used for quick comparison between parsers.
type Summary struct {
	Version       int32             `json:"version"`
	AppName       string            `json:"appName"`
	BuildVersion  string            `json:"buildVersion"`
	ChunkCount    int               `json:"chunkCount"`
	FileCount     int               `json:"fileCount"`
	DownloadSize  int64             `json:"downloadSize"`
	InstalledSize int64             `json:"installedSize"`
	SampleFiles   []SampleFile      `json:"sampleFiles"`
	SampleChunks  []SampleChunk     `json:"sampleChunks"`
	CustomFields  map[string]string `json:"customFields,omitempty"`
}

type SampleFile struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	ChunkParts int    `json:"chunkParts"`
}

type SampleChunk struct {
	GUID     string `json:"guid"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	GroupNum uint8  `json:"groupNum"`
}

// Summarize builds the short form. The first five files and chunks are
// sampled.
func Summarize(m *manifest.Manifest) Summary {
	s := Summary{
		Version:       m.Version,
		ChunkCount:    len(m.Chunks()),
		FileCount:     len(m.Files()),
		DownloadSize:  m.DownloadSize(),
		InstalledSize: m.InstallSize(),
		SampleFiles:   []SampleFile{},
		SampleChunks:  []SampleChunk{},
	}
	if m.Meta != nil {
		s.AppName = m.Meta.AppName
		s.BuildVersion = m.Meta.BuildVersion
	}
	for i, f := range m.Files() {
		if i == sampleSize {
			break
		}
		s.SampleFiles = append(s.SampleFiles, SampleFile{
			Filename:   f.Filename,
			Size:       f.FileSize,
			Hash:       hex.EncodeToString(f.SHAHash[:]),
			ChunkParts: len(f.ChunkParts),
		})
	}
	for i, c := range m.Chunks() {
		if i == sampleSize {
			break
		}
		s.SampleChunks = append(s.SampleChunks, SampleChunk{
			GUID:     c.GUID.String(),
			Hash:     strconv.FormatUint(c.Hash, 10),
			Size:     c.FileSize,
			GroupNum: c.GroupNum,
		})
	}
	if m.CustomFields != nil && m.CustomFields.Len() > 0 {
		s.CustomFields = make(map[string]string, m.CustomFields.Len())
		for _, k := range m.CustomFields.Keys() {
			s.CustomFields[k], _ = m.CustomFields.Get(k)
		}
	}
	return s
}

// Write encodes v as indented JSON without HTML escaping.
func Write(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteFile writes v to path through a .tmp file renamed into place.
func WriteFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	of, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := Write(of, v); err != nil {
		of.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := of.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteSidecar records the summary of an installed build in its directory.
func WriteSidecar(installDir string, m *manifest.Manifest) error {
	return WriteFile(filepath.Join(installDir, SidecarName), Summarize(m))
}
