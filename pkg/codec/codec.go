// Package codec holds the serialization primitives shared by the block
// file, undo and index readers: both varint flavors the node uses,
// amount and script compression, hashing and the blk/rev XOR layer.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
)

// DoubleSHA256 computes SHA256(SHA256(data)), the hash used for txids and
// block hashes.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// DisplayHash renders a raw 32-byte hash in the reversed hex convention
// used everywhere user-facing.
func DisplayHash(h [32]byte) string {
	var rev [32]byte
	for i := range h {
		rev[31-i] = h[i]
	}
	return hex.EncodeToString(rev[:])
}

// ApplyXOR de-obfuscates buf in place with the rolling 8-byte key written
// to blocks/xor.dat by newer nodes. offset is the absolute file position
// of buf[0]; the key phase depends on it. A nil, empty or all-zero key is
// a no-op so callers can pass whatever was (not) on disk.
func ApplyXOR(buf []byte, key []byte, offset int64) {
	if len(key) == 0 {
		return
	}
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return
	}
	n := int64(len(key))
	for i := range buf {
		buf[i] ^= key[(offset+int64(i))%n]
	}
}
