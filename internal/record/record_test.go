package record

import "testing"

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	e := Entry{
		TTLDeadlineSec: 123,
		Key:            []byte("UJohn Doe/CUS/TTax document/0001"),
		Value:          []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Indexes:        []KeyIndex{{StartIdx: 0, Size: 9}, {StartIdx: 10, Size: 3}, {StartIdx: 14, Size: 13}},
	}
	buf := EncodeData(e)

	got, n, err := DecodeData(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if string(got.Key) != string(e.Key) || string(got.Value) != string(e.Value) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Indexes) != 3 || got.Indexes[1].StartIdx != 10 {
		t.Fatalf("indexes mismatch: %+v", got.Indexes)
	}
	if got.Tombstone {
		t.Fatalf("expected non-tombstone")
	}
}

func TestDecodeDataChecksumMismatch(t *testing.T) {
	e := Entry{Key: []byte("k"), Value: []byte("v")}
	buf := EncodeData(e)
	buf[len(buf)-1] ^= 0xFF // corrupt the value's last byte

	_, _, err := DecodeData(buf)
	if err != ErrChecksum {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestDecodeDataTruncated(t *testing.T) {
	e := Entry{Key: []byte("k"), Value: []byte("value-bytes")}
	buf := EncodeData(e)

	if _, _, err := DecodeData(buf[:len(buf)-2]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, _, err := DecodeData(buf[:4]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}
}

func TestEncodeDecodeTombstone(t *testing.T) {
	e := Entry{Key: []byte("k"), Tombstone: true}
	buf := EncodeData(e)
	got, _, err := DecodeData(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Tombstone || len(got.Value) != 0 {
		t.Fatalf("expected tombstone with empty value, got %+v", got)
	}
}

func TestEncodeDecodeHintRoundTrip(t *testing.T) {
	e := Entry{
		TTLDeadlineSec: 99,
		Key:            []byte("hello"),
		Value:          []byte("world!!"),
		Indexes:        []KeyIndex{{StartIdx: 1, Size: 2}},
	}
	buf := EncodeHint(0xDEADBEEF, 4096, e)

	got, n, err := DecodeHint(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.KeyHash != 0xDEADBEEF || got.Offset != 4096 || got.ValueSize != uint32(len(e.Value)) {
		t.Fatalf("hint mismatch: %+v", got)
	}
	if string(got.Key) != "hello" || len(got.Indexes) != 1 {
		t.Fatalf("hint key/indexes mismatch: %+v", got)
	}
}

func TestIndexesOrdered(t *testing.T) {
	ok := []KeyIndex{{0, 9}, {10, 3}, {14, 13}}
	if !IndexesOrdered(ok) {
		t.Fatalf("expected ordered")
	}
	bad := []KeyIndex{{10, 3}, {0, 9}}
	if IndexesOrdered(bad) {
		t.Fatalf("expected unordered to be rejected")
	}
	dupStart := []KeyIndex{{0, 3}, {0, 3}}
	if IndexesOrdered(dupStart) {
		t.Fatalf("expected duplicate (startIdx,size) pair to be rejected as not strictly ascending")
	}
}

func TestIndexesConsistent(t *testing.T) {
	if !IndexesConsistent(33, []KeyIndex{{0, 9}, {10, 3}, {14, 13}}) {
		t.Fatalf("expected consistent")
	}
	if IndexesConsistent(5, []KeyIndex{{0, 9}}) {
		t.Fatalf("expected offset+size beyond key length to be rejected")
	}
	if IndexesConsistent(300, []KeyIndex{{250, 10}}) {
		t.Fatalf("expected offset+size beyond byte 256 to be rejected")
	}
	many := make([]KeyIndex, MaxKeyIndexQty+1)
	if IndexesConsistent(300, many) {
		t.Fatalf("expected indexCount > 64 to be rejected")
	}
}
