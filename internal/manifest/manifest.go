// Package manifest decodes build manifests: a compressed, versioned binary
// container of columnar sections, with a legacy JSON encoding as fallback.
package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zlib"
)

// HeaderMagic opens every binary manifest.
const HeaderMagic uint32 = 0x44BEC00C

// StoredAs flag bits.
const (
	StoredCompressed uint8 = 0x1
	StoredEncrypted  uint8 = 0x2
)

// headerFixedSize covers magic through version; HeaderSize may be larger.
const headerFixedSize = 4 + 4 + 4 + 4 + 20 + 1 + 4

// maxBodySize bounds the declared uncompressed size before allocating.
const maxBodySize = 1 << 30

var (
	// ErrCorrupt is returned when the body does not inflate to the declared
	// size or does not hash to the declared SHA-1.
	ErrCorrupt = errors.New("manifest: corrupt")
	// ErrBadMagic is returned by ParseBinary for a buffer that is not a
	// binary manifest.
	ErrBadMagic = errors.New("manifest: bad magic")
	// ErrEncrypted is returned for bodies stored encrypted.
	ErrEncrypted = errors.New("manifest: encrypted manifests are not supported")
)

// IsBinary reports whether data starts with the binary manifest magic.
func IsBinary(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == HeaderMagic
}

// Parse decodes a manifest in either encoding. Anything that does not carry
// the binary magic, including buffers shorter than four bytes, is handed to
// the JSON decoder.
func Parse(data []byte) (*Manifest, error) {
	if IsBinary(data) {
		return ParseBinary(data)
	}
	return ParseJSON(data)
}

// ParseBinary decodes a binary manifest. A structural or integrity failure
// anywhere aborts the whole parse; no partial manifest is returned.
func ParseBinary(data []byte) (*Manifest, error) {
	m, body, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	r := newReader(body)
	if m.Meta, err = readMeta(r); err != nil {
		return nil, err
	}
	if m.ChunkDataList, err = readChunkDataList(r, m.Meta.FeatureLevel); err != nil {
		return nil, err
	}
	if m.FileManifestList, err = readFileManifestList(r); err != nil {
		return nil, err
	}
	if r.remaining() > 0 {
		if m.CustomFields, err = readCustomFields(r); err != nil {
			return nil, err
		}
	}
	if n := r.remaining(); n > 0 {
		slog.Warn("manifest_trailing_data", "bytes", n, "version", m.Version)
	}
	return m, nil
}

// decodeHeader validates the envelope and returns the plain body.
func decodeHeader(data []byte) (*Manifest, []byte, error) {
	if !IsBinary(data) {
		return nil, nil, ErrBadMagic
	}
	r := newReader(data)
	m := &Manifest{Format: FormatBinary}
	r.u32()
	m.HeaderSize = r.i32()
	m.SizeUncompressed = r.i32()
	m.SizeCompressed = r.i32()
	r.readInto(m.SHAHash[:])
	m.StoredAs = r.u8()
	m.Version = r.i32()
	if r.err != nil {
		return nil, nil, fmt.Errorf("header: %w", r.err)
	}
	if m.HeaderSize < headerFixedSize {
		return nil, nil, fmt.Errorf("%w: header size %d smaller than %d", ErrCorrupt, m.HeaderSize, headerFixedSize)
	}
	if r.tell() != int(m.HeaderSize) {
		r.seekToSectionEnd(0, uint32(m.HeaderSize))
		if r.err != nil {
			return nil, nil, fmt.Errorf("header: %w", r.err)
		}
	}
	body := data[r.tell():]

	if m.StoredAs&StoredEncrypted != 0 {
		return nil, nil, ErrEncrypted
	}
	if !m.IsCompressed() {
		return m, body, nil
	}

	plain, err := inflate(body, m.SizeUncompressed)
	if err != nil {
		return nil, nil, err
	}
	if sum := sha1.Sum(plain); sum != m.SHAHash {
		return nil, nil, fmt.Errorf("%w: body sha1 %x, header declares %x", ErrCorrupt, sum, m.SHAHash)
	}
	return m, plain, nil
}

// inflate decompresses a zlib stream that must produce exactly size bytes.
func inflate(src []byte, size int32) ([]byte, error) {
	if size < 0 || size > maxBodySize {
		return nil, fmt.Errorf("%w: declared uncompressed size %d", ErrCorrupt, size)
	}
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: inflating to %d bytes: %w", ErrCorrupt, size, err)
	}
	var extra [1]byte
	n, err := zr.Read(extra[:])
	if n != 0 {
		return nil, fmt.Errorf("%w: body inflates past declared %d bytes", ErrCorrupt, size)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}
