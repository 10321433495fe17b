package keydir

import "github.com/dfeneyrou/litecask/internal/record"

// A key chunk is the arena payload a slot's keyHandle points to: the raw
// key bytes followed by its KeyIndex tags. It never moves once allocated,
// so a slot can be freely copied (by value) across tables during resize
// migration without touching the arena.
const chunkHeaderSize = 1 // indexCount

func chunkSize(keySize, indexCount int) int {
	return chunkHeaderSize + keySize + indexCount*record.KeyIndexSize
}

func encodeChunk(key []byte, idx []record.KeyIndex) []byte {
	buf := make([]byte, chunkSize(len(key), len(idx)))
	buf[0] = uint8(len(idx))
	off := chunkHeaderSize
	off += copy(buf[off:], key)
	for _, ki := range idx {
		record.PutKeyIndex(buf[off:off+record.KeyIndexSize], ki)
		off += record.KeyIndexSize
	}
	return buf
}

func decodeChunkKey(buf []byte, keySize int) []byte {
	return buf[chunkHeaderSize : chunkHeaderSize+keySize]
}

func decodeChunkIndexes(buf []byte, keySize int) []record.KeyIndex {
	indexCount := int(buf[0])
	off := chunkHeaderSize + keySize
	idx := make([]record.KeyIndex, indexCount)
	for i := range idx {
		idx[i] = record.GetKeyIndex(buf[off : off+record.KeyIndexSize])
		off += record.KeyIndexSize
	}
	return idx
}

func keyEqual(buf []byte, keySize int, key []byte) bool {
	if keySize != len(key) {
		return false
	}
	candidate := decodeChunkKey(buf, keySize)
	for i := range key {
		if candidate[i] != key[i] {
			return false
		}
	}
	return true
}
