package record

import "hash/crc32"

// checksumTable is the IEEE polynomial table, same as used throughout the
// pack (e.g. intellect4all-storage-engines/hashindex/segment.go) for
// data-file record integrity.
var checksumTable = crc32.MakeTable(crc32.IEEE)

// Checksum covers everything from ttlDeadlineSec to the end of the value,
// per spec.md §4.B: the crc32 field itself is excluded.
func Checksum(ttlAndBeyond []byte) uint32 {
	return crc32.Checksum(ttlAndBeyond, checksumTable)
}
