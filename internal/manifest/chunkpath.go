package manifest

import "fmt"

// ChunkDir returns the CDN directory that holds chunks for a feature level.
func ChunkDir(version int32) string {
	switch {
	case version >= 15:
		return "ChunksV4"
	case version >= 6:
		return "ChunksV3"
	case version >= 3:
		return "ChunksV2"
	default:
		return "Chunks"
	}
}

// ChunkPath returns the CDN-relative path of a chunk, for example
// ChunksV4/07/0123456789ABCDEF_00112233445566778899AABBCCDDEEFF.chunk.
func ChunkPath(c *ChunkInfo, version int32) string {
	return fmt.Sprintf("%s/%02d/%016X_%s.chunk", ChunkDir(version), c.GroupNum, c.Hash, c.GUID)
}

// Path is ChunkPath for this chunk.
func (c *ChunkInfo) Path(version int32) string { return ChunkPath(c, version) }
