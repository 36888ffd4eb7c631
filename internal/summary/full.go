package summary

import (
	"encoding/hex"
	"strconv"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// Document is the complete JSON dump of a manifest.
type Document struct {
	Format           string            `json:"format"`
	Version          int32             `json:"version"`
	HeaderSize       int32             `json:"headerSize"`
	IsCompressed     bool              `json:"isCompressed"`
	Meta             *Meta             `json:"meta"`
	ChunkDataList    *ChunkDataList    `json:"chunkDataList"`
	FileManifestList *FileManifestList `json:"fileManifestList"`
	CustomFields     map[string]string `json:"customFields"`
}

type Meta struct {
	DataVersion         uint8    `json:"dataVersion"`
	FeatureLevel        int32    `json:"featureLevel"`
	IsFileData          bool     `json:"isFileData"`
	AppID               uint32   `json:"appId"`
	AppName             string   `json:"appName"`
	BuildVersion        string   `json:"buildVersion"`
	LaunchExe           string   `json:"launchExe"`
	LaunchCommand       string   `json:"launchCommand"`
	PrereqIDs           []string `json:"prereqIds"`
	PrereqName          string   `json:"prereqName"`
	PrereqPath          string   `json:"prereqPath"`
	PrereqArgs          string   `json:"prereqArgs"`
	BuildID             string   `json:"buildId"`
	UninstallActionPath string   `json:"uninstallActionPath"`
	UninstallActionArgs string   `json:"uninstallActionArgs"`
}

type ChunkDataList struct {
	Version uint8   `json:"version"`
	Count   int     `json:"count"`
	Chunks  []Chunk `json:"chunks"`
}

type Chunk struct {
	GUID       [4]uint32 `json:"guid"`
	GUIDStr    string    `json:"guidStr"`
	Hash       string    `json:"hash"`
	SHAHash    string    `json:"shaHash"`
	GroupNum   uint8     `json:"groupNum"`
	WindowSize uint32    `json:"windowSize"`
	FileSize   int64     `json:"fileSize"`
}

type FileManifestList struct {
	Version uint8  `json:"version"`
	Count   int    `json:"count"`
	Files   []File `json:"files"`
}

type File struct {
	Filename      string   `json:"filename"`
	SymlinkTarget string   `json:"symlinkTarget"`
	Hash          string   `json:"hash"`
	Flags         uint8    `json:"flags"`
	IsReadOnly    bool     `json:"isReadOnly"`
	IsCompressed  bool     `json:"isCompressed"`
	IsExecutable  bool     `json:"isExecutable"`
	InstallTags   []string `json:"installTags"`
	FileSize      int64    `json:"fileSize"`
	HashMD5       string   `json:"hashMd5"`
	MimeType      string   `json:"mimeType"`
	HashSHA256    string   `json:"hashSha256"`
	ChunkParts    []Part   `json:"chunkParts"`
}

type Part struct {
	GUID       [4]uint32 `json:"guid"`
	GUIDStr    string    `json:"guidStr"`
	Offset     uint32    `json:"offset"`
	Size       uint32    `json:"size"`
	FileOffset int64     `json:"fileOffset"`
}

// Full converts every parsed field.
func Full(m *manifest.Manifest) Document {
	d := Document{
		Format:       m.Format.String(),
		Version:      m.Version,
		HeaderSize:   m.HeaderSize,
		IsCompressed: m.IsCompressed(),
		CustomFields: map[string]string{},
	}
	if mt := m.Meta; mt != nil {
		d.Meta = &Meta{
			DataVersion:         mt.DataVersion,
			FeatureLevel:        mt.FeatureLevel,
			IsFileData:          mt.IsFileData,
			AppID:               mt.AppID,
			AppName:             mt.AppName,
			BuildVersion:        mt.BuildVersion,
			LaunchExe:           mt.LaunchExe,
			LaunchCommand:       mt.LaunchCommand,
			PrereqIDs:           mt.PrereqIDs,
			PrereqName:          mt.PrereqName,
			PrereqPath:          mt.PrereqPath,
			PrereqArgs:          mt.PrereqArgs,
			BuildID:             mt.BuildID,
			UninstallActionPath: mt.UninstallActionPath,
			UninstallActionArgs: mt.UninstallActionArgs,
		}
	}
	if cdl := m.ChunkDataList; cdl != nil {
		d.ChunkDataList = &ChunkDataList{Version: cdl.Version, Count: len(cdl.Elements), Chunks: make([]Chunk, 0, len(cdl.Elements))}
		for _, c := range cdl.Elements {
			d.ChunkDataList.Chunks = append(d.ChunkDataList.Chunks, Chunk{
				GUID:       c.GUID,
				GUIDStr:    c.GUID.String(),
				Hash:       strconv.FormatUint(c.Hash, 10),
				SHAHash:    hex.EncodeToString(c.SHAHash[:]),
				GroupNum:   c.GroupNum,
				WindowSize: c.WindowSize,
				FileSize:   c.FileSize,
			})
		}
	}
	if fml := m.FileManifestList; fml != nil {
		d.FileManifestList = &FileManifestList{Version: fml.Version, Count: len(fml.Elements), Files: make([]File, 0, len(fml.Elements))}
		for _, f := range fml.Elements {
			jf := File{
				Filename:      f.Filename,
				SymlinkTarget: f.SymlinkTarget,
				Hash:          hex.EncodeToString(f.SHAHash[:]),
				Flags:         f.Flags,
				IsReadOnly:    f.ReadOnly(),
				IsCompressed:  f.Compressed(),
				IsExecutable:  f.Executable(),
				InstallTags:   f.InstallTags,
				FileSize:      f.FileSize,
				HashMD5:       hex.EncodeToString(f.HashMD5),
				MimeType:      f.MimeType,
				HashSHA256:    hex.EncodeToString(f.HashSHA256),
				ChunkParts:    make([]Part, 0, len(f.ChunkParts)),
			}
			for _, p := range f.ChunkParts {
				jf.ChunkParts = append(jf.ChunkParts, Part{
					GUID:       p.GUID,
					GUIDStr:    p.GUID.String(),
					Offset:     p.Offset,
					Size:       p.Size,
					FileOffset: p.FileOffset,
				})
			}
			d.FileManifestList.Files = append(d.FileManifestList.Files, jf)
		}
	}
	if m.CustomFields != nil {
		for _, k := range m.CustomFields.Keys() {
			d.CustomFields[k], _ = m.CustomFields.Get(k)
		}
	}
	return d
}
