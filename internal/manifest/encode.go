package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
)

// writer builds little-endian sections. bytes.Buffer writes never fail, so
// neither do these helpers.
type writer struct {
	bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.WriteByte(v) }
func (w *writer) u32(v uint32) { w.Write(binary.LittleEndian.AppendUint32(nil, v)) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) u64(v uint64) { w.Write(binary.LittleEndian.AppendUint64(nil, v)) }

func (w *writer) guid(g GUID) {
	for _, v := range g {
		w.u32(v)
	}
}

// fstring writes s as single byte characters when it is pure ASCII and as
// UTF-16 otherwise, each with its terminator.
func (w *writer) fstring(s string) {
	if s == "" {
		w.i32(0)
		return
	}
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		w.i32(int32(len(s) + 1))
		w.WriteString(s)
		w.u8(0)
		return
	}
	units := utf16.Encode([]rune(s))
	w.i32(-int32(len(units) + 1))
	for _, u := range units {
		w.Write(binary.LittleEndian.AppendUint16(nil, u))
	}
	w.Write([]byte{0, 0})
}

// section writes body prefixed by its total size, the size field included.
func (w *writer) section(body *writer) {
	w.u32(uint32(body.Len() + 4))
	w.Write(body.Bytes())
}

// MarshalBinary encodes m in the binary format. The header sizes and hash
// are recomputed; the body is compressed when m.StoredAs asks for it.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	if m.Meta == nil || m.ChunkDataList == nil || m.FileManifestList == nil {
		return nil, errors.New("manifest: meta, chunk and file sections are required")
	}
	var body writer
	writeMeta(&body, m.Meta)
	writeChunkDataList(&body, m.ChunkDataList)
	writeFileManifestList(&body, m.FileManifestList)
	if m.CustomFields != nil {
		writeCustomFields(&body, m.CustomFields)
	}
	plain := body.Bytes()

	payload := plain
	if m.IsCompressed() {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(plain); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		payload = zbuf.Bytes()
	}

	m.HeaderSize = headerFixedSize
	m.SizeUncompressed = int32(len(plain))
	m.SizeCompressed = int32(len(payload))
	m.SHAHash = sha1.Sum(plain)

	var out writer
	out.u32(HeaderMagic)
	out.i32(m.HeaderSize)
	out.i32(m.SizeUncompressed)
	out.i32(m.SizeCompressed)
	out.Write(m.SHAHash[:])
	out.u8(m.StoredAs)
	out.i32(m.Version)
	out.Write(payload)
	return out.Bytes(), nil
}

func writeMeta(w *writer, m *Meta) {
	var b writer
	b.u8(m.DataVersion)
	b.i32(m.FeatureLevel)
	if m.IsFileData {
		b.u8(1)
	} else {
		b.u8(0)
	}
	b.u32(m.AppID)
	b.fstring(m.AppName)
	b.fstring(m.BuildVersion)
	b.fstring(m.LaunchExe)
	b.fstring(m.LaunchCommand)
	b.u32(uint32(len(m.PrereqIDs)))
	for _, id := range m.PrereqIDs {
		b.fstring(id)
	}
	b.fstring(m.PrereqName)
	b.fstring(m.PrereqPath)
	b.fstring(m.PrereqArgs)
	if m.DataVersion >= 1 {
		b.fstring(m.BuildID)
	}
	if m.DataVersion >= 2 {
		b.fstring(m.UninstallActionPath)
		b.fstring(m.UninstallActionArgs)
	}
	w.section(&b)
}

func writeChunkDataList(w *writer, l *ChunkDataList) {
	var b writer
	b.u8(l.Version)
	b.u32(uint32(len(l.Elements)))
	for _, c := range l.Elements {
		b.guid(c.GUID)
	}
	for _, c := range l.Elements {
		b.u64(c.Hash)
	}
	for _, c := range l.Elements {
		b.Write(c.SHAHash[:])
	}
	for _, c := range l.Elements {
		b.u8(c.GroupNum)
	}
	for _, c := range l.Elements {
		b.u32(c.WindowSize)
	}
	for _, c := range l.Elements {
		b.u64(uint64(c.FileSize))
	}
	w.section(&b)
}

func writeFileManifestList(w *writer, l *FileManifestList) {
	var b writer
	b.u8(l.Version)
	b.u32(uint32(len(l.Elements)))
	for _, f := range l.Elements {
		b.fstring(f.Filename)
	}
	for _, f := range l.Elements {
		b.fstring(f.SymlinkTarget)
	}
	for _, f := range l.Elements {
		b.Write(f.SHAHash[:])
	}
	for _, f := range l.Elements {
		b.u8(f.Flags)
	}
	for _, f := range l.Elements {
		b.u32(uint32(len(f.InstallTags)))
		for _, t := range f.InstallTags {
			b.fstring(t)
		}
	}
	for _, f := range l.Elements {
		b.u32(uint32(len(f.ChunkParts)))
		for _, p := range f.ChunkParts {
			b.u32(chunkPartWireSize)
			b.guid(p.GUID)
			b.u32(p.Offset)
			b.u32(p.Size)
		}
	}
	if l.Version >= 1 {
		for _, f := range l.Elements {
			if len(f.HashMD5) == 16 {
				b.u32(1)
				b.Write(f.HashMD5)
			} else {
				b.u32(0)
			}
		}
		for _, f := range l.Elements {
			b.fstring(f.MimeType)
		}
	}
	if l.Version >= 2 {
		for _, f := range l.Elements {
			var sum [32]byte
			copy(sum[:], f.HashSHA256)
			b.Write(sum[:])
		}
	}
	w.section(&b)
}

func writeCustomFields(w *writer, c *CustomFields) {
	var b writer
	b.u8(c.Version)
	b.u32(uint32(c.Len()))
	for _, k := range c.keys {
		b.fstring(k)
	}
	for _, k := range c.keys {
		b.fstring(c.values[k])
	}
	w.section(&b)
}
