package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Format identifies which wire encoding a manifest was decoded from.
type Format int

const (
	FormatBinary Format = iota
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// Manifest is the decoded description of one build: its identity, every
// chunk on the CDN and how files are composed from them.
type Manifest struct {
	Format Format

	HeaderSize       int32
	SizeUncompressed int32
	SizeCompressed   int32
	SHAHash          [20]byte
	StoredAs         uint8
	Version          int32

	Meta             *Meta
	ChunkDataList    *ChunkDataList
	FileManifestList *FileManifestList
	CustomFields     *CustomFields
}

// IsCompressed reports whether the body is stored zlib-compressed.
func (m *Manifest) IsCompressed() bool { return m.StoredAs&StoredCompressed != 0 }

// FeatureLevel is the version that selects chunk directory naming. Binary
// manifests carry it in Meta; it falls back to the header version.
func (m *Manifest) FeatureLevel() int32 {
	if m.Meta != nil {
		return m.Meta.FeatureLevel
	}
	return m.Version
}

// Files returns the file list, or nil when the manifest has none.
func (m *Manifest) Files() []*FileManifest {
	if m.FileManifestList == nil {
		return nil
	}
	return m.FileManifestList.Elements
}

// Chunks returns the chunk list, or nil when the manifest has none.
func (m *Manifest) Chunks() []*ChunkInfo {
	if m.ChunkDataList == nil {
		return nil
	}
	return m.ChunkDataList.Elements
}

// InstallSize is the sum of all file sizes.
func (m *Manifest) InstallSize() int64 {
	var n int64
	for _, fm := range m.Files() {
		n += fm.FileSize
	}
	return n
}

// DownloadSize is the sum of all compressed chunk sizes.
func (m *Manifest) DownloadSize() int64 {
	var n int64
	for _, c := range m.Chunks() {
		n += c.FileSize
	}
	return n
}

// Meta holds the build identity and launch information.
type Meta struct {
	MetaSize     uint32
	DataVersion  uint8
	FeatureLevel int32
	IsFileData   bool
	AppID        uint32

	AppName       string
	BuildVersion  string
	LaunchExe     string
	LaunchCommand string
	PrereqIDs     []string
	PrereqName    string
	PrereqPath    string
	PrereqArgs    string

	// DataVersion >= 1
	BuildID string
	// DataVersion >= 2
	UninstallActionPath string
	UninstallActionArgs string
}

// GUID is a 128-bit chunk identifier stored as four little-endian words.
type GUID [4]uint32

// String formats the GUID the way chunk file names spell it: 32 upper-case
// hex digits, most significant word first.
func (g GUID) String() string {
	return fmt.Sprintf("%08X%08X%08X%08X", g[0], g[1], g[2], g[3])
}

// IsZero reports whether every word is zero.
func (g GUID) IsZero() bool { return g == GUID{} }

// ParseGUID parses 32 hex digits, optionally separated by dashes.
func ParseGUID(s string) (GUID, error) {
	clean := strings.ReplaceAll(s, "-", "")
	if len(clean) != 32 {
		return GUID{}, fmt.Errorf("manifest: guid %q: want 32 hex digits, got %d", s, len(clean))
	}
	var g GUID
	for i := range g {
		v, err := strconv.ParseUint(clean[i*8:(i+1)*8], 16, 32)
		if err != nil {
			return GUID{}, fmt.Errorf("manifest: guid %q: %w", s, err)
		}
		g[i] = uint32(v)
	}
	return g, nil
}

// ChunkInfo describes one downloadable chunk.
type ChunkInfo struct {
	GUID    GUID
	Hash    uint64
	SHAHash [20]byte
	// GroupNum selects the CDN subdirectory (0-99 in practice).
	GroupNum uint8
	// WindowSize is the decompressed length and is what gets verified.
	WindowSize uint32
	// FileSize is the compressed download size; it is only a hint.
	FileSize int64
}

// HasSHA reports whether the manifest carried a SHA-1 for this chunk.
func (c *ChunkInfo) HasSHA() bool { return c.SHAHash != [20]byte{} }

// ChunkDataList is the ordered set of chunks plus lookup indices that are
// built on first use and never mutated afterwards.
type ChunkDataList struct {
	Size            uint32
	Version         uint8
	ManifestVersion int32
	Elements        []*ChunkInfo

	indexOnce sync.Once
	byGUID    map[GUID]int
	byHash    map[uint64]int
}

func (l *ChunkDataList) buildIndex() {
	l.indexOnce.Do(func() {
		l.byGUID = make(map[GUID]int, len(l.Elements))
		l.byHash = make(map[uint64]int, len(l.Elements))
		for i, c := range l.Elements {
			l.byGUID[c.GUID] = i
			if _, dup := l.byHash[c.Hash]; !dup {
				l.byHash[c.Hash] = i
			}
		}
	})
}

// Get looks a chunk up by GUID.
func (l *ChunkDataList) Get(g GUID) (*ChunkInfo, bool) {
	l.buildIndex()
	i, ok := l.byGUID[g]
	if !ok {
		return nil, false
	}
	return l.Elements[i], true
}

// GetByHash looks a chunk up by its rolling hash. When several chunks share
// a hash the first one in manifest order wins.
func (l *ChunkDataList) GetByHash(h uint64) (*ChunkInfo, bool) {
	l.buildIndex()
	i, ok := l.byHash[h]
	if !ok {
		return nil, false
	}
	return l.Elements[i], true
}

// File flag bits.
const (
	FlagReadOnly   uint8 = 0x1
	FlagCompressed uint8 = 0x2
	FlagExecutable uint8 = 0x4
)

// FileManifest describes one installed file.
type FileManifest struct {
	Filename      string
	SymlinkTarget string
	SHAHash       [20]byte
	Flags         uint8
	InstallTags   []string
	ChunkParts    []ChunkPart
	// FileSize is the sum of the chunk part sizes.
	FileSize int64

	// FileManifestList version >= 1
	HashMD5  []byte
	MimeType string
	// FileManifestList version >= 2
	HashSHA256 []byte
}

func (f *FileManifest) ReadOnly() bool   { return f.Flags&FlagReadOnly != 0 }
func (f *FileManifest) Compressed() bool { return f.Flags&FlagCompressed != 0 }
func (f *FileManifest) Executable() bool { return f.Flags&FlagExecutable != 0 }
func (f *FileManifest) IsSymlink() bool  { return f.SymlinkTarget != "" }

// ChunkPart is one contiguous slice of a file taken from one chunk.
type ChunkPart struct {
	GUID GUID
	// Offset and Size address the chunk's decompressed data.
	Offset uint32
	Size   uint32
	// FileOffset is where the slice lands in the file. It is not on the
	// wire; parsers derive it from the running sum of prior part sizes.
	FileOffset int64
}

// FileManifestList is the ordered file set with a lazily built path index.
type FileManifestList struct {
	Size     uint32
	Version  uint8
	Elements []*FileManifest

	indexOnce sync.Once
	byPath    map[string]int
}

// Get looks a file up by its manifest path.
func (l *FileManifestList) Get(filename string) (*FileManifest, bool) {
	l.indexOnce.Do(func() {
		l.byPath = make(map[string]int, len(l.Elements))
		for i, f := range l.Elements {
			l.byPath[f.Filename] = i
		}
	})
	i, ok := l.byPath[filename]
	if !ok {
		return nil, false
	}
	return l.Elements[i], true
}

// CustomFields is an ordered string map carried for forward compatibility.
type CustomFields struct {
	Size    uint32
	Version uint8

	keys   []string
	values map[string]string
}

// NewCustomFields returns an empty field set.
func NewCustomFields() *CustomFields {
	return &CustomFields{values: make(map[string]string)}
}

// Get returns the value stored for key.
func (c *CustomFields) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key, keeping first-insertion order.
func (c *CustomFields) Set(key, value string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Keys returns the keys in insertion order.
func (c *CustomFields) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Len returns the number of fields.
func (c *CustomFields) Len() int { return len(c.keys) }
