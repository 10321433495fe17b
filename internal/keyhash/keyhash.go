// Package keyhash provides litecask's single key-hashing primitive. The
// original implementation ships its own Wyhash; any fast, well-distributed
// 64-bit hash serves the same role here, so litecask uses xxhash instead of
// porting Wyhash by hand.
package keyhash

import "github.com/cespare/xxhash/v2"

// Sum64 returns the 64-bit hash of key used throughout litecask to select
// a KeyDir group and, via its high bits, a slot fingerprint.
func Sum64(key []byte) uint64 {
	return xxhash.Sum64(key)
}
