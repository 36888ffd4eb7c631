package chunk

import "hash/crc64"

var rollingTable = crc64.MakeTable(crc64.ECMA)

// RollingHash is the 64-bit hash older manifests record in place of a SHA-1:
// rotate left by one, then xor in the ECMA-182 table entry of the next byte.
func RollingHash(data []byte) uint64 {
	var h uint64
	for _, b := range data {
		h = (h<<1 | h>>63) ^ rollingTable[b]
	}
	return h
}
