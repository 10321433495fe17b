// Package record defines the on-disk binary layout for litecask's data and
// hint files: the two packed 16-byte headers, their little-endian codecs,
// and the CRC that protects each data-file record.
package record

import (
	"encoding/binary"
	"errors"
)

// MaxKeySize is the largest key litecask accepts. 0xFFFF is reserved to mark
// a key-size read error during recovery, so valid keys stop one short of it.
const MaxKeySize = 65534

// MaxValueSize is the largest value litecask accepts: sizes above
// 0xFFFF0000 in the 32-bit value-size field are rejected (rationale not
// preserved from the original implementation, per spec.md §9 Open
// Questions); the limit is kept exactly as specified.
const MaxValueSize = 0xFFFF0000

// MaxKeyIndexQty is the maximum number of KeyIndex tags a single entry may carry.
const MaxKeyIndexQty = 64

// FlagTombstone marks a DataFileEntry as a deletion record.
const FlagTombstone = 0x1

// DataHeaderSize is the packed size of a DataFileEntry header, in bytes.
// { crc32:u32, ttlDeadlineSec:u32, valueSize:u32, keySize:u16, indexCount:u8, flags:u8 }
const DataHeaderSize = 16

// HintHeaderSize is the packed size of a HintFileEntry header, in bytes.
// { keyHash:u32, ttlDeadlineSec:u32, offset:u32, valueSize:u32 } + { keySize:u16, indexCount:u8, flags:u8 }
const HintHeaderSize = 16

// KeyIndexSize is the packed size of a single KeyIndex tag: { startIdx:u8, size:u8 }.
const KeyIndexSize = 2

func init() {
	// Compile-time-equivalent assertion: both on-disk headers must be exactly
	// 16 bytes, asserted here since Go has no static_assert. Run during
	// package init so a layout regression fails fast at program start.
	if DataHeaderSize != 16 || HintHeaderSize != 16 {
		panic("record: packed header size must be 16 bytes")
	}
}

// ErrTruncated is returned by decoders when the buffer is too short to hold
// a full header or its declared payload.
var ErrTruncated = errors.New("record: truncated buffer")

// KeyIndex names a substring of the key, [startIdx, startIdx+size), usable as
// a query tag. Only bytes 0..255 of the key are indexable.
type KeyIndex struct {
	StartIdx uint8
	Size     uint8
}

// DataHeader is the decoded form of a data-file record header.
type DataHeader struct {
	CRC32          uint32
	TTLDeadlineSec uint32
	ValueSize      uint32
	KeySize        uint16
	IndexCount     uint8
	Flags          uint8
}

// IsTombstone reports whether this header marks a deletion record.
func (h DataHeader) IsTombstone() bool { return h.Flags&FlagTombstone != 0 }

// PutDataHeader encodes h into buf[:DataHeaderSize]. buf must be at least DataHeaderSize long.
func PutDataHeader(buf []byte, h DataHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC32)
	binary.LittleEndian.PutUint32(buf[4:8], h.TTLDeadlineSec)
	binary.LittleEndian.PutUint32(buf[8:12], h.ValueSize)
	binary.LittleEndian.PutUint16(buf[12:14], h.KeySize)
	buf[14] = h.IndexCount
	buf[15] = h.Flags
}

// GetDataHeader decodes a DataHeader from buf[:DataHeaderSize].
func GetDataHeader(buf []byte) (DataHeader, error) {
	if len(buf) < DataHeaderSize {
		return DataHeader{}, ErrTruncated
	}
	return DataHeader{
		CRC32:          binary.LittleEndian.Uint32(buf[0:4]),
		TTLDeadlineSec: binary.LittleEndian.Uint32(buf[4:8]),
		ValueSize:      binary.LittleEndian.Uint32(buf[8:12]),
		KeySize:        binary.LittleEndian.Uint16(buf[12:14]),
		IndexCount:     buf[14],
		Flags:          buf[15],
	}, nil
}

// HintMetaSize is the packed size of the small key-shape header following
// the fixed HintHeader part: { keySize:u16, indexCount:u8, flags:u8 }.
const HintMetaSize = 4

// HintHeader is the decoded form of a hint-file record header, including the
// trailing key-shape fields. On disk it is split into a fixed 16-byte part
// and a 4-byte part (see HintHeaderSize / HintMetaSize) so the fixed part
// stays 16 bytes as specified.
type HintHeader struct {
	KeyHash        uint32
	TTLDeadlineSec uint32
	Offset         uint32
	ValueSize      uint32
	KeySize        uint16
	IndexCount     uint8
	Flags          uint8
}

// PutHintHeader encodes the fixed part of h into buf[:HintHeaderSize].
func PutHintHeader(buf []byte, h HintHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.KeyHash)
	binary.LittleEndian.PutUint32(buf[4:8], h.TTLDeadlineSec)
	binary.LittleEndian.PutUint32(buf[8:12], h.Offset)
	binary.LittleEndian.PutUint32(buf[12:16], h.ValueSize)
}

// GetHintHeader decodes the fixed 16-byte part of a HintHeader from buf.
func GetHintHeader(buf []byte) (HintHeader, error) {
	if len(buf) < HintHeaderSize {
		return HintHeader{}, ErrTruncated
	}
	return HintHeader{
		KeyHash:        binary.LittleEndian.Uint32(buf[0:4]),
		TTLDeadlineSec: binary.LittleEndian.Uint32(buf[4:8]),
		Offset:         binary.LittleEndian.Uint32(buf[8:12]),
		ValueSize:      binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// PutHintMeta encodes the trailing key-shape fields into buf[:HintMetaSize].
func PutHintMeta(buf []byte, keySize uint16, indexCount, flags uint8) {
	binary.LittleEndian.PutUint16(buf[0:2], keySize)
	buf[2] = indexCount
	buf[3] = flags
}

// GetHintMeta decodes the trailing key-shape fields from buf[:HintMetaSize].
func GetHintMeta(buf []byte) (keySize uint16, indexCount, flags uint8, err error) {
	if len(buf) < HintMetaSize {
		return 0, 0, 0, ErrTruncated
	}
	return binary.LittleEndian.Uint16(buf[0:2]), buf[2], buf[3], nil
}

// PutKeyIndex encodes a KeyIndex into a 2-byte slice.
func PutKeyIndex(buf []byte, ki KeyIndex) {
	buf[0] = ki.StartIdx
	buf[1] = ki.Size
}

// GetKeyIndex decodes a KeyIndex from a 2-byte slice.
func GetKeyIndex(buf []byte) KeyIndex {
	return KeyIndex{StartIdx: buf[0], Size: buf[1]}
}
