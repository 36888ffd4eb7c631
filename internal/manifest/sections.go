package manifest

import "fmt"

// Minimum on-wire sizes, used to reject impossible element counts.
const (
	chunkInfoWireSize = 16 + 8 + 20 + 1 + 4 + 8
	chunkPartWireSize = 4 + 16 + 4 + 4
	fstringMinSize    = 4
)

func readMeta(r *reader) (*Meta, error) {
	start := r.tell()
	m := &Meta{}
	m.MetaSize = r.u32()
	m.DataVersion = r.u8()
	m.FeatureLevel = r.i32()
	m.IsFileData = r.u8() == 1
	m.AppID = r.u32()
	m.AppName = r.fstring()
	m.BuildVersion = r.fstring()
	m.LaunchExe = r.fstring()
	m.LaunchCommand = r.fstring()
	m.PrereqIDs = r.fstrings(r.count(fstringMinSize))
	m.PrereqName = r.fstring()
	m.PrereqPath = r.fstring()
	m.PrereqArgs = r.fstring()
	if m.DataVersion >= 1 {
		m.BuildID = r.fstring()
	}
	if m.DataVersion >= 2 {
		m.UninstallActionPath = r.fstring()
		m.UninstallActionArgs = r.fstring()
	}
	r.seekToSectionEnd(start, m.MetaSize)
	if r.err != nil {
		return nil, fmt.Errorf("meta: %w", r.err)
	}
	return m, nil
}

func readChunkDataList(r *reader, manifestVersion int32) (*ChunkDataList, error) {
	start := r.tell()
	l := &ChunkDataList{ManifestVersion: manifestVersion}
	l.Size = r.u32()
	l.Version = r.u8()
	n := r.count(chunkInfoWireSize)
	if r.err != nil {
		return nil, fmt.Errorf("chunk data list: %w", r.err)
	}

	// Columnar: every chunk's GUID, then every chunk's hash, and so on.
	l.Elements = make([]*ChunkInfo, n)
	for i := range l.Elements {
		l.Elements[i] = &ChunkInfo{}
	}
	for _, c := range l.Elements {
		c.GUID = r.guid()
	}
	for _, c := range l.Elements {
		c.Hash = r.u64()
	}
	for _, c := range l.Elements {
		r.readInto(c.SHAHash[:])
	}
	for _, c := range l.Elements {
		c.GroupNum = r.u8()
	}
	for _, c := range l.Elements {
		c.WindowSize = r.u32()
	}
	for _, c := range l.Elements {
		c.FileSize = r.i64()
	}
	r.seekToSectionEnd(start, l.Size)
	if r.err != nil {
		return nil, fmt.Errorf("chunk data list: %w", r.err)
	}
	return l, nil
}

func readFileManifestList(r *reader) (*FileManifestList, error) {
	start := r.tell()
	l := &FileManifestList{}
	l.Size = r.u32()
	l.Version = r.u8()
	n := r.count(fstringMinSize)
	if r.err != nil {
		return nil, fmt.Errorf("file manifest list: %w", r.err)
	}

	l.Elements = make([]*FileManifest, n)
	for i := range l.Elements {
		l.Elements[i] = &FileManifest{}
	}
	for _, f := range l.Elements {
		f.Filename = r.fstring()
	}
	for _, f := range l.Elements {
		f.SymlinkTarget = r.fstring()
	}
	for _, f := range l.Elements {
		r.readInto(f.SHAHash[:])
	}
	for _, f := range l.Elements {
		f.Flags = r.u8()
	}
	for _, f := range l.Elements {
		f.InstallTags = r.fstrings(r.count(fstringMinSize))
	}
	for _, f := range l.Elements {
		f.ChunkParts = readChunkParts(r, r.count(chunkPartWireSize))
		for _, p := range f.ChunkParts {
			f.FileSize += int64(p.Size)
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("file manifest list: %w", r.err)
	}

	if l.Version >= 1 {
		for _, f := range l.Elements {
			if hasMD5 := r.u32(); hasMD5 != 0 {
				f.HashMD5 = append([]byte(nil), r.take(16)...)
			}
		}
		for _, f := range l.Elements {
			f.MimeType = r.fstring()
		}
	}
	if l.Version >= 2 {
		for _, f := range l.Elements {
			f.HashSHA256 = append([]byte(nil), r.take(32)...)
		}
	}
	r.seekToSectionEnd(start, l.Size)
	if r.err != nil {
		return nil, fmt.Errorf("file manifest list: %w", r.err)
	}
	return l, nil
}

// readChunkParts reads n parts. Each part leads with its own declared size
// so newer writers can append fields; FileOffset is the running total.
func readChunkParts(r *reader, n int) []ChunkPart {
	parts := make([]ChunkPart, n)
	var fileOffset int64
	for i := range parts {
		start := r.tell()
		size := r.u32()
		p := &parts[i]
		p.GUID = r.guid()
		p.Offset = r.u32()
		p.Size = r.u32()
		p.FileOffset = fileOffset
		fileOffset += int64(p.Size)
		r.seekToSectionEnd(start, size)
		if r.err != nil {
			return nil
		}
	}
	return parts
}

// readCustomFields reads the optional trailing section. Keys and values are
// stored as two columns, all keys first.
func readCustomFields(r *reader) (*CustomFields, error) {
	start := r.tell()
	c := NewCustomFields()
	c.Size = r.u32()
	c.Version = r.u8()
	n := r.count(2 * fstringMinSize)
	keys := r.fstrings(n)
	values := r.fstrings(n)
	r.seekToSectionEnd(start, c.Size)
	if r.err != nil {
		return nil, fmt.Errorf("custom fields: %w", r.err)
	}
	for i, k := range keys {
		c.Set(k, values[i])
	}
	return c, nil
}
