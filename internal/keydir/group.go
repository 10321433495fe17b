package keydir

import (
	"sync"
	"sync/atomic"

	"github.com/dfeneyrou/litecask/internal/tlsf"
)

// Associativity is the number of slots sharing one group/version, per
// spec.md §4.C ("each bucket is a group of 8 slots sharing one
// cacheline-sized header").
const Associativity = 8

const (
	slotEmpty     uint32 = 0
	slotLive      uint32 = 1
	slotTombstone uint32 = 2
)

// Location is the on-disk address and shape of a key's newest record,
// mirroring spec.md §3's "Entry location".
type Location struct {
	FileID         uint16
	KeySize        uint16
	Offset         uint32
	EntrySize      uint32
	ValueSize      uint32
	TTLDeadlineSec uint32
	Flags          uint8
}

// slot holds one associative-group member. Every field is a fixed-width
// atomic so a reader can take word-atomic loads while an optimistic
// version check (on the owning group) detects torn reads across fields,
// per spec.md §9 Design Notes ("hashes and offsets must be read through
// atomic loads of fixed-width integers").
type slot struct {
	state       atomic.Uint32
	fingerprint atomic.Uint32

	fileID         atomic.Uint32
	keySize        atomic.Uint32
	offset         atomic.Uint32
	entrySize      atomic.Uint32
	valueSize      atomic.Uint32
	ttlDeadlineSec atomic.Uint32
	flags          atomic.Uint32

	keyHandle atomic.Int64 // tlsf.Handle into the shared key/index arena
}

func (s *slot) loadLocation() Location {
	return Location{
		FileID:         uint16(s.fileID.Load()),
		KeySize:        uint16(s.keySize.Load()),
		Offset:         s.offset.Load(),
		EntrySize:      s.entrySize.Load(),
		ValueSize:      s.valueSize.Load(),
		TTLDeadlineSec: s.ttlDeadlineSec.Load(),
		Flags:          uint8(s.flags.Load()),
	}
}

func (s *slot) storeLocation(loc Location) {
	s.fileID.Store(uint32(loc.FileID))
	s.keySize.Store(uint32(loc.KeySize))
	s.offset.Store(loc.Offset)
	s.entrySize.Store(loc.EntrySize)
	s.valueSize.Store(loc.ValueSize)
	s.ttlDeadlineSec.Store(loc.TTLDeadlineSec)
	s.flags.Store(uint32(loc.Flags))
}

func (s *slot) clear() {
	s.state.Store(slotEmpty)
	s.fingerprint.Store(0)
	s.keyHandle.Store(int64(tlsf.NoHandle))
}

// group is the optimistically-locked unit of concurrency: a version counter
// guarding Associativity slots. Writers take writeMu for mutual exclusion
// against other writers (the KeyDir's migration worker and the single
// application writer can touch distinct groups concurrently) and bump
// version to an odd value around the mutation; readers snapshot version,
// read the slots, and retry if it changed — a standard seqlock.
type group struct {
	version atomic.Uint32
	writeMu sync.Mutex
	slots   [Associativity]slot
}

func (g *group) beginWrite() {
	g.writeMu.Lock()
	g.version.Add(1) // now odd: readers must retry
}

func (g *group) endWrite() {
	g.version.Add(1) // now even: stable again
	g.writeMu.Unlock()
}
