package record

import (
	"encoding/binary"
	"errors"
)

// ErrChecksum is returned by DecodeData when the stored CRC does not match
// the computed one — spec.md invariant I3: the record is treated as absent.
var ErrChecksum = errors.New("record: checksum mismatch")

// Entry is the decoded, in-memory form of one data-file or hint-file record.
type Entry struct {
	TTLDeadlineSec uint32
	Key            []byte
	Value          []byte
	Indexes        []KeyIndex
	Tombstone      bool
}

// IndexesOrdered reports whether idx is strictly ascending on (StartIdx, Size),
// as spec.md §3 requires of a stored entry's KeyIndex list.
func IndexesOrdered(idx []KeyIndex) bool {
	for i := 1; i < len(idx); i++ {
		a, b := idx[i-1], idx[i]
		if a.StartIdx > b.StartIdx || (a.StartIdx == b.StartIdx && a.Size >= b.Size) {
			return false
		}
	}
	return true
}

// IndexesConsistent reports whether every index fits within the first 256
// bytes of a key of length keyLen, per spec.md §3 ("Only bytes 0..255 of the
// key are indexable") and the InconsistentKeyIndex failure mode of §4.F.
func IndexesConsistent(keyLen int, idx []KeyIndex) bool {
	if len(idx) > MaxKeyIndexQty {
		return false
	}
	for _, ki := range idx {
		end := int(ki.StartIdx) + int(ki.Size)
		if ki.Size == 0 || end > keyLen || end > 256 {
			return false
		}
	}
	return true
}

// DataSize returns the total on-disk byte size of a data-file record with
// the given key/value/index sizes, header included.
func DataSize(keySize, valueSize int, indexCount int) int {
	return DataHeaderSize + indexCount*KeyIndexSize + keySize + valueSize
}

// EncodeData serializes e as a data-file record: header, index tags, key,
// value, with the CRC covering everything from ttlDeadlineSec onward.
func EncodeData(e Entry) []byte {
	total := DataSize(len(e.Key), len(e.Value), len(e.Indexes))
	buf := make([]byte, total)

	flags := uint8(0)
	if e.Tombstone {
		flags |= FlagTombstone
	}
	h := DataHeader{
		TTLDeadlineSec: e.TTLDeadlineSec,
		ValueSize:      uint32(len(e.Value)),
		KeySize:        uint16(len(e.Key)),
		IndexCount:     uint8(len(e.Indexes)),
		Flags:          flags,
	}
	PutDataHeader(buf, h)

	off := DataHeaderSize
	for _, ki := range e.Indexes {
		PutKeyIndex(buf[off:off+KeyIndexSize], ki)
		off += KeyIndexSize
	}
	off += copy(buf[off:], e.Key)
	copy(buf[off:], e.Value)

	crc := Checksum(buf[4:total])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

// DecodeData parses one record starting at buf[0], returning the decoded
// entry and the number of bytes consumed. It verifies the CRC and returns
// ErrChecksum (without panicking) on mismatch, so the caller can apply
// spec.md's "treat as absent" corruption policy. ErrTruncated is returned
// if buf is too short to hold the declared header/payload.
func DecodeData(buf []byte) (Entry, int, error) {
	h, err := GetDataHeader(buf)
	if err != nil {
		return Entry{}, 0, err
	}
	total := DataSize(int(h.KeySize), int(h.ValueSize), int(h.IndexCount))
	if len(buf) < total {
		return Entry{}, 0, ErrTruncated
	}
	if Checksum(buf[4:total]) != h.CRC32 {
		return Entry{}, 0, ErrChecksum
	}

	off := DataHeaderSize
	indexes := make([]KeyIndex, h.IndexCount)
	for i := range indexes {
		indexes[i] = GetKeyIndex(buf[off : off+KeyIndexSize])
		off += KeyIndexSize
	}
	key := make([]byte, h.KeySize)
	off += copy(key, buf[off:off+int(h.KeySize)])
	value := make([]byte, h.ValueSize)
	copy(value, buf[off:off+int(h.ValueSize)])

	return Entry{
		TTLDeadlineSec: h.TTLDeadlineSec,
		Key:            key,
		Value:          value,
		Indexes:        indexes,
		Tombstone:      h.IsTombstone(),
	}, total, nil
}

// HintSize returns the total on-disk byte size of a hint-file record.
func HintSize(keySize int, indexCount int) int {
	return HintHeaderSize + HintMetaSize + indexCount*KeyIndexSize + keySize
}

// EncodeHint serializes e as a hint-file record: the fixed header, the
// key-shape meta, the index tags, then the inline key bytes. Hint files
// carry no value bytes — the value lives only in the paired data file.
func EncodeHint(keyHash uint32, offset uint32, e Entry) []byte {
	total := HintSize(len(e.Key), len(e.Indexes))
	buf := make([]byte, total)

	flags := uint8(0)
	if e.Tombstone {
		flags |= FlagTombstone
	}
	PutHintHeader(buf, HintHeader{
		KeyHash:        keyHash,
		TTLDeadlineSec: e.TTLDeadlineSec,
		Offset:         offset,
		ValueSize:      uint32(len(e.Value)),
	})
	PutHintMeta(buf[HintHeaderSize:], uint16(len(e.Key)), uint8(len(e.Indexes)), flags)

	off := HintHeaderSize + HintMetaSize
	for _, ki := range e.Indexes {
		PutKeyIndex(buf[off:off+KeyIndexSize], ki)
		off += KeyIndexSize
	}
	copy(buf[off:], e.Key)
	return buf
}

// DecodedHint is a parsed hint-file record, kept separate from Entry since
// it carries the file offset/keyHash a KeyDir rebuild needs but no value.
type DecodedHint struct {
	KeyHash        uint32
	Offset         uint32
	TTLDeadlineSec uint32
	ValueSize      uint32
	Key            []byte
	Indexes        []KeyIndex
	Tombstone      bool
}

// DecodeHint parses one hint record starting at buf[0].
func DecodeHint(buf []byte) (DecodedHint, int, error) {
	h, err := GetHintHeader(buf)
	if err != nil {
		return DecodedHint{}, 0, err
	}
	if len(buf) < HintHeaderSize+HintMetaSize {
		return DecodedHint{}, 0, ErrTruncated
	}
	keySize, indexCount, flags, err := GetHintMeta(buf[HintHeaderSize:])
	if err != nil {
		return DecodedHint{}, 0, err
	}
	total := HintSize(int(keySize), int(indexCount))
	if len(buf) < total {
		return DecodedHint{}, 0, ErrTruncated
	}

	off := HintHeaderSize + HintMetaSize
	indexes := make([]KeyIndex, indexCount)
	for i := range indexes {
		indexes[i] = GetKeyIndex(buf[off : off+KeyIndexSize])
		off += KeyIndexSize
	}
	key := make([]byte, keySize)
	copy(key, buf[off:off+int(keySize)])

	return DecodedHint{
		KeyHash:        h.KeyHash,
		Offset:         h.Offset,
		TTLDeadlineSec: h.TTLDeadlineSec,
		ValueSize:      h.ValueSize,
		Key:            key,
		Indexes:        indexes,
		Tombstone:      flags&FlagTombstone != 0,
	}, total, nil
}
