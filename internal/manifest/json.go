package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrBadJSON is returned when a buffer is neither a binary manifest nor a
// well-formed JSON manifest.
var ErrBadJSON = errors.New("manifest: invalid json manifest")

// jsonWindowSize is the window size assumed for every chunk of a JSON
// manifest, which does not record it.
const jsonWindowSize = 1024 * 1024

const defaultJSONVersion = "013000000000"

type jsonChunkPart struct {
	GUID   string `json:"Guid"`
	Offset string `json:"Offset"`
	Size   string `json:"Size"`
}

type jsonFile struct {
	Filename         string          `json:"Filename"`
	FileHash         string          `json:"FileHash"`
	SymlinkTarget    string          `json:"SymlinkTarget"`
	FileChunkParts   []jsonChunkPart `json:"FileChunkParts"`
	InstallTags      []string        `json:"InstallTags"`
	IsReadOnly       bool            `json:"bIsReadOnly"`
	IsCompressed     bool            `json:"bIsCompressed"`
	IsUnixExecutable bool            `json:"bIsUnixExecutable"`
}

type jsonManifest struct {
	ManifestFileVersion string            `json:"ManifestFileVersion"`
	IsFileData          bool              `json:"bIsFileData"`
	AppID               string            `json:"AppID"`
	AppNameString       string            `json:"AppNameString"`
	BuildVersionString  string            `json:"BuildVersionString"`
	LaunchExeString     string            `json:"LaunchExeString"`
	LaunchCommand       string            `json:"LaunchCommand"`
	PrereqIDs           []string          `json:"PrereqIds"`
	PrereqName          string            `json:"PrereqName"`
	PrereqPath          string            `json:"PrereqPath"`
	PrereqArgs          string            `json:"PrereqArgs"`
	FileManifestList    []jsonFile        `json:"FileManifestList"`
	ChunkHashList       map[string]string `json:"ChunkHashList"`
	ChunkShaList        map[string]string `json:"ChunkShaList"`
	DataGroupList       map[string]string `json:"DataGroupList"`
	ChunkFilesizeList   map[string]string `json:"ChunkFilesizeList"`
	CustomFields        map[string]string `json:"CustomFields"`
}

// ParseJSON decodes the legacy JSON manifest encoding into the same model
// the binary decoder produces. Header compression fields stay zero.
func ParseJSON(data []byte) (*Manifest, error) {
	var jm jsonManifest
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadJSON, err)
	}
	if jm.ManifestFileVersion == "" {
		jm.ManifestFileVersion = defaultJSONVersion
	}
	version, err := blobToNum(jm.ManifestFileVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: ManifestFileVersion: %w", ErrBadJSON, err)
	}
	appID, err := blobToNum(jm.AppID)
	if err != nil {
		return nil, fmt.Errorf("%w: AppID: %w", ErrBadJSON, err)
	}

	m := &Manifest{Format: FormatJSON, Version: int32(version)}
	m.Meta = &Meta{
		FeatureLevel:  int32(version),
		IsFileData:    jm.IsFileData,
		AppID:         uint32(appID),
		AppName:       jm.AppNameString,
		BuildVersion:  jm.BuildVersionString,
		LaunchExe:     jm.LaunchExeString,
		LaunchCommand: jm.LaunchCommand,
		PrereqIDs:     jm.PrereqIDs,
		PrereqName:    jm.PrereqName,
		PrereqPath:    jm.PrereqPath,
		PrereqArgs:    jm.PrereqArgs,
	}

	if m.ChunkDataList, err = jsonChunks(&jm, int32(version)); err != nil {
		return nil, err
	}
	if m.FileManifestList, err = jsonFiles(jm.FileManifestList); err != nil {
		return nil, err
	}

	m.CustomFields = NewCustomFields()
	keys := make([]string, 0, len(jm.CustomFields))
	for k := range jm.CustomFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.CustomFields.Set(k, jm.CustomFields[k])
	}
	return m, nil
}

func jsonChunks(jm *jsonManifest, version int32) (*ChunkDataList, error) {
	guids := make([]string, 0, len(jm.ChunkFilesizeList))
	for g := range jm.ChunkFilesizeList {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	l := &ChunkDataList{ManifestVersion: version, Elements: make([]*ChunkInfo, 0, len(guids))}
	for _, gs := range guids {
		g, err := ParseGUID(gs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadJSON, err)
		}
		c := &ChunkInfo{GUID: g, WindowSize: jsonWindowSize}
		size, err := blobToNum(jm.ChunkFilesizeList[gs])
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s size: %w", ErrBadJSON, gs, err)
		}
		c.FileSize = int64(size)
		if c.Hash, err = blobToNum(jm.ChunkHashList[gs]); err != nil {
			return nil, fmt.Errorf("%w: chunk %s hash: %w", ErrBadJSON, gs, err)
		}
		group, err := blobToNum(jm.DataGroupList[gs])
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s group: %w", ErrBadJSON, gs, err)
		}
		c.GroupNum = uint8(group)
		if sha, ok := jm.ChunkShaList[gs]; ok {
			b, err := hex.DecodeString(sha)
			if err != nil || len(b) != len(c.SHAHash) {
				return nil, fmt.Errorf("%w: chunk %s sha %q", ErrBadJSON, gs, sha)
			}
			copy(c.SHAHash[:], b)
		}
		l.Elements = append(l.Elements, c)
	}
	return l, nil
}

func jsonFiles(files []jsonFile) (*FileManifestList, error) {
	l := &FileManifestList{Elements: make([]*FileManifest, 0, len(files))}
	for _, jf := range files {
		f := &FileManifest{
			Filename:      jf.Filename,
			SymlinkTarget: jf.SymlinkTarget,
			InstallTags:   jf.InstallTags,
		}
		hash, err := blobToBytes(jf.FileHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %s hash: %w", ErrBadJSON, jf.Filename, err)
		}
		copy(f.SHAHash[:], hash)
		if jf.IsReadOnly {
			f.Flags |= FlagReadOnly
		}
		if jf.IsCompressed {
			f.Flags |= FlagCompressed
		}
		if jf.IsUnixExecutable {
			f.Flags |= FlagExecutable
		}
		f.ChunkParts = make([]ChunkPart, 0, len(jf.FileChunkParts))
		for _, jp := range jf.FileChunkParts {
			g, err := ParseGUID(jp.GUID)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrBadJSON, jf.Filename, err)
			}
			off, err := blobToNum(jp.Offset)
			if err != nil {
				return nil, fmt.Errorf("%w: %s part offset: %w", ErrBadJSON, jf.Filename, err)
			}
			size, err := blobToNum(jp.Size)
			if err != nil {
				return nil, fmt.Errorf("%w: %s part size: %w", ErrBadJSON, jf.Filename, err)
			}
			f.ChunkParts = append(f.ChunkParts, ChunkPart{
				GUID:       g,
				Offset:     uint32(off),
				Size:       uint32(size),
				FileOffset: f.FileSize,
			})
			f.FileSize += int64(size)
		}
		l.Elements = append(l.Elements, f)
	}
	return l, nil
}

// blobToBytes decodes the JSON encoding's byte blobs: every byte is written
// as exactly three decimal digits.
func blobToBytes(s string) ([]byte, error) {
	if len(s)%3 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 3", len(s))
	}
	out := make([]byte, len(s)/3)
	for i := range out {
		v, err := strconv.ParseUint(s[i*3:i*3+3], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("blob %q: %w", s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// blobToNum decodes a little-endian integer stored as a byte blob. An empty
// blob is zero.
func blobToNum(s string) (uint64, error) {
	b, err := blobToBytes(s)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("blob %q wider than 64 bits", s)
	}
	var n uint64
	for i, c := range b {
		n |= uint64(c) << (8 * i)
	}
	return n, nil
}
