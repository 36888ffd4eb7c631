package chunk

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

var testGUID = manifest.GUID{0x11111111, 0x22222222, 0x33333333, 0x44444444}

func chunkData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func infoFor(data []byte) *manifest.ChunkInfo {
	return &manifest.ChunkInfo{
		GUID:       testGUID,
		Hash:       RollingHash(data),
		SHAHash:    sha1.Sum(data),
		GroupNum:   5,
		WindowSize: uint32(len(data)),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := chunkData(10000)
	for _, compress := range []bool{true, false} {
		env, err := Encode(testGUID, data, compress)
		require.NoError(t, err)

		h, payload, err := Decode(env)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), h.Version)
		assert.Equal(t, uint32(headerSizeV3), h.HeaderSize)
		assert.Equal(t, testGUID, h.GUID)
		assert.Equal(t, compress, h.IsCompressed())
		assert.Equal(t, uint32(len(data)), h.UncompressedSize)
		assert.Equal(t, sha1.Sum(data), h.SHAHash)
		assert.Equal(t, HashRolling|HashSHA1, h.HashType)
		assert.Len(t, payload, int(h.CompressedSize))

		got, err := Decompress(infoFor(data), env)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

// v1 headers stop after the storage flag; a larger HeaderSize is skipped.
func TestDecodeV1WithPadding(t *testing.T) {
	data := []byte("plain stored chunk")
	env := make([]byte, 48)
	le := binary.LittleEndian
	le.PutUint32(env[0:], Magic)
	le.PutUint32(env[4:], 1)
	le.PutUint32(env[8:], 48)
	le.PutUint32(env[12:], uint32(len(data)))
	env[40] = 0
	env = append(env, data...)
	env = append(env, "trailing"...)

	h, payload, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.Version)
	assert.Equal(t, data, payload)

	got, err := Inflate(h, payload, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDecodeErrors(t *testing.T) {
	env, err := Encode(testGUID, chunkData(100), true)
	require.NoError(t, err)

	_, _, err = Decode(env[:20])
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode(env[:50])
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode(env[:len(env)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	bad := bytes.Clone(env)
	bad[0] ^= 0xFF
	_, _, err = Decode(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	small := bytes.Clone(env)
	binary.LittleEndian.PutUint32(small[8:], 41)
	_, _, err = Decode(small)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestInflateSizedFromWindow(t *testing.T) {
	data := chunkData(3000)
	env, err := Encode(testGUID, data, true)
	require.NoError(t, err)
	h, payload, err := Decode(env)
	require.NoError(t, err)

	_, err = Inflate(h, payload, 2999)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	_, err = Inflate(h, payload, 3001)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	got, err := Inflate(h, payload, 3000)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	h.StoredAs |= StoredEncrypted
	_, err = Inflate(h, payload, 3000)
	assert.ErrorIs(t, err, ErrEncrypted)
}

func TestInflateGarbage(t *testing.T) {
	h := &Header{StoredAs: StoredCompressed}
	_, err := Inflate(h, []byte("not zlib at all"), 10)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestVerify(t *testing.T) {
	data := chunkData(512)
	info := infoFor(data)
	require.NoError(t, Verify(info, data))

	flipped := bytes.Clone(data)
	flipped[100] ^= 1
	assert.ErrorIs(t, Verify(info, flipped), ErrHashMismatch)
	assert.ErrorIs(t, Verify(info, data[:511]), ErrSizeMismatch)

	// Without a SHA-1 the rolling hash decides.
	info.SHAHash = [20]byte{}
	require.NoError(t, Verify(info, data))
	assert.ErrorIs(t, Verify(info, flipped), ErrHashMismatch)

	// Without any hash only the size is checked.
	info.Hash = 0
	assert.NoError(t, Verify(info, flipped))
}

func TestRollingHash(t *testing.T) {
	assert.Zero(t, RollingHash(nil))
	// A single byte is its table entry.
	assert.Equal(t, rollingTable[0xAB], RollingHash([]byte{0xAB}))
	// Two bytes rotate the first entry before mixing in the second.
	e := rollingTable[1]
	assert.Equal(t, (e<<1|e>>63)^rollingTable[2], RollingHash([]byte{1, 2}))
	assert.Equal(t, uint64(0xB32E4CBE03A75F6F), rollingTable[1])
	assert.NotEqual(t, RollingHash([]byte("ab")), RollingHash([]byte("ba")))
}
