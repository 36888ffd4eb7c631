// Package chunk decodes, verifies, caches and downloads the content-addressed
// blobs that make up a build.
package chunk

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// Magic opens every chunk file.
const Magic uint32 = 0xB1FE3AA2

// Storage flags.
const (
	StoredCompressed uint8 = 0x1
	StoredEncrypted  uint8 = 0x2
)

// Hash type bits recorded in v2+ headers.
const (
	HashRolling uint8 = 0x1
	HashSHA1    uint8 = 0x2
)

// Header sizes per header version.
const (
	headerSizeV1 = 41
	headerSizeV2 = 62
	headerSizeV3 = 66
)

var (
	ErrBadMagic     = errors.New("chunk: bad magic")
	ErrTruncated    = errors.New("chunk: truncated envelope")
	ErrEncrypted    = errors.New("chunk: encrypted chunks are not supported")
	ErrCorrupt      = errors.New("chunk: corrupt payload")
	ErrSizeMismatch = errors.New("chunk: window size mismatch")
	ErrHashMismatch = errors.New("chunk: hash mismatch")
)

// Header is the fixed prefix of a chunk file.
type Header struct {
	Version        uint32
	HeaderSize     uint32
	CompressedSize uint32
	GUID           manifest.GUID
	Hash           uint64
	StoredAs       uint8

	// Version >= 2
	SHAHash  [20]byte
	HashType uint8
	// Version >= 3
	UncompressedSize uint32
}

// IsCompressed reports whether the payload is zlib data.
func (h *Header) IsCompressed() bool { return h.StoredAs&StoredCompressed != 0 }

// Decode parses the envelope and returns the header plus exactly
// CompressedSize payload bytes taken from HeaderSize onward.
func Decode(data []byte) (*Header, []byte, error) {
	if len(data) < headerSizeV1 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	le := binary.LittleEndian
	if m := le.Uint32(data); m != Magic {
		return nil, nil, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	h := &Header{
		Version:        le.Uint32(data[4:]),
		HeaderSize:     le.Uint32(data[8:]),
		CompressedSize: le.Uint32(data[12:]),
	}
	for i := range h.GUID {
		h.GUID[i] = le.Uint32(data[16+4*i:])
	}
	h.Hash = le.Uint64(data[32:])
	h.StoredAs = data[40]

	pos := headerSizeV1
	if h.Version >= 2 {
		if len(data) < headerSizeV2 {
			return nil, nil, fmt.Errorf("%w: v%d header", ErrTruncated, h.Version)
		}
		copy(h.SHAHash[:], data[pos:pos+20])
		h.HashType = data[pos+20]
		pos = headerSizeV2
	}
	if h.Version >= 3 {
		if len(data) < headerSizeV3 {
			return nil, nil, fmt.Errorf("%w: v%d header", ErrTruncated, h.Version)
		}
		h.UncompressedSize = le.Uint32(data[pos:])
		pos = headerSizeV3
	}
	if int(h.HeaderSize) < pos {
		return nil, nil, fmt.Errorf("%w: header size %d smaller than v%d fields", ErrCorrupt, h.HeaderSize, h.Version)
	}
	end := uint64(h.HeaderSize) + uint64(h.CompressedSize)
	if end > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: payload ends at %d, have %d", ErrTruncated, end, len(data))
	}
	return h, data[h.HeaderSize:end], nil
}

// Inflate returns the decompressed payload. The output buffer is sized from
// windowSize, the chunk's declared decompressed length, so short final
// chunks are handled like any other.
func Inflate(h *Header, payload []byte, windowSize uint32) ([]byte, error) {
	if h.StoredAs&StoredEncrypted != 0 {
		return nil, ErrEncrypted
	}
	if !h.IsCompressed() {
		if uint32(len(payload)) != windowSize {
			return nil, fmt.Errorf("%w: stored %d bytes, want %d", ErrSizeMismatch, len(payload), windowSize)
		}
		return payload, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	out := make([]byte, windowSize)
	n, err := io.ReadFull(zr, out)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && windowSize > 0):
		return nil, fmt.Errorf("%w: inflated %d bytes, want %d", ErrSizeMismatch, n, windowSize)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	var extraByte [1]byte
	if extra, err := zr.Read(extraByte[:]); extra > 0 {
		return nil, fmt.Errorf("%w: inflated more than %d bytes", ErrSizeMismatch, windowSize)
	} else if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}

// Verify checks decompressed data against the manifest's record of the
// chunk: exact window size, then SHA-1, or the rolling hash when the
// manifest carries no SHA-1.
func Verify(info *manifest.ChunkInfo, data []byte) error {
	if uint32(len(data)) != info.WindowSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrSizeMismatch, len(data), info.WindowSize)
	}
	if info.HasSHA() {
		if sum := sha1.Sum(data); sum != info.SHAHash {
			return fmt.Errorf("%w: sha1 %x, want %x", ErrHashMismatch, sum, info.SHAHash)
		}
		return nil
	}
	if info.Hash != 0 {
		if got := RollingHash(data); got != info.Hash {
			return fmt.Errorf("%w: rolling hash %016X, want %016X", ErrHashMismatch, got, info.Hash)
		}
	}
	return nil
}

// Decompress runs Decode, Inflate and Verify for one downloaded envelope.
func Decompress(info *manifest.ChunkInfo, envelope []byte) ([]byte, error) {
	h, payload, err := Decode(envelope)
	if err != nil {
		return nil, err
	}
	data, err := Inflate(h, payload, info.WindowSize)
	if err != nil {
		return nil, err
	}
	if err := Verify(info, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Encode builds a version 3 envelope around data. Both hashes are recorded.
func Encode(guid manifest.GUID, data []byte, compress bool) ([]byte, error) {
	payload := data
	var storedAs uint8
	if compress {
		var zb bytes.Buffer
		zw := zlib.NewWriter(&zb)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		payload = zb.Bytes()
		storedAs = StoredCompressed
	}

	le := binary.LittleEndian
	out := make([]byte, headerSizeV3, headerSizeV3+len(payload))
	le.PutUint32(out[0:], Magic)
	le.PutUint32(out[4:], 3)
	le.PutUint32(out[8:], headerSizeV3)
	le.PutUint32(out[12:], uint32(len(payload)))
	for i, w := range guid {
		le.PutUint32(out[16+4*i:], w)
	}
	le.PutUint64(out[32:], RollingHash(data))
	out[40] = storedAs
	sum := sha1.Sum(data)
	copy(out[41:61], sum[:])
	out[61] = HashRolling | HashSHA1
	le.PutUint32(out[62:], uint32(len(data)))
	return append(out, payload...), nil
}
