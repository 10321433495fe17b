// Package keydir implements litecask's key directory: a concurrent,
// associativity-8, optimistically-locked hash index mapping a key to the
// location of its newest record on disk.
//
// Each bucket is a "group" of 8 slots guarded by a single version counter
// (internal/keydir/group.go). Readers never block: they snapshot the
// version, read the slots, and retry if the version moved. Writers are
// serialised by litecask's single-writer append path, so group-level
// mutexes exist for correctness under the optimistic scheme rather than
// to arbitrate real contention.
//
// Growth is incremental. When the load factor crosses maxLoadFactor, a
// new, larger table is allocated and the old one is migrated a bounded
// number of groups at a time (Upkeep). Only when the new table itself
// crosses the load factor before that migration has finished does an
// Insert complete the pending migration before starting the next one. Both tables share one key/index-tag arena
// (internal/tlsf), so migration only moves slot metadata, never key bytes.
package keydir

import (
	"sync"
	"sync/atomic"

	"github.com/dfeneyrou/litecask/internal/keyhash"
	"github.com/dfeneyrou/litecask/internal/record"
	"github.com/dfeneyrou/litecask/internal/tlsf"
)

const (
	defaultInitialGroups = 16
	maxProbeGroups       = 64
)

// Entry is a resolved KeyDir lookup: the location plus the key's stored
// index tags (needed by the key-part index to re-derive tag values).
type Entry struct {
	Location Location
	Key      []byte
	Indexes  []record.KeyIndex
}

// KeyDir is the concurrent key -> location index.
type KeyDir struct {
	mu   sync.RWMutex // guards swapping cur/old and the migration cursor
	cur  *table
	old  *table
	next int // next old-table group index to migrate

	maxLoadFactor float64
	used          atomic.Int64

	arena *tlsf.Allocator

	probeSum atomic.Uint64
	probeOps atomic.Uint64
	probeMax atomic.Uint64
}

// New creates a KeyDir backed by an arena of arenaBytes for key/index-tag
// storage, growing its hash table past maxLoadFactor occupancy.
func New(arenaBytes uint64, maxLoadFactor float64) *KeyDir {
	if maxLoadFactor <= 0 || maxLoadFactor >= 1 {
		maxLoadFactor = 0.75
	}
	return &KeyDir{
		cur:           newTable(defaultInitialGroups),
		maxLoadFactor: maxLoadFactor,
		arena:         tlsf.New(arenaBytes),
	}
}

// Len returns the approximate number of live entries.
func (kd *KeyDir) Len() int64 { return kd.used.Load() }

// ArenaBytesUsed reports how much of the key/index arena is occupied.
func (kd *KeyDir) ArenaBytesUsed() uint64 { return kd.arena.AllocatedBytes() }

func (kd *KeyDir) recordProbe(n int) {
	kd.probeSum.Add(uint64(n))
	kd.probeOps.Add(1)
	for {
		cur := kd.probeMax.Load()
		if uint64(n) <= cur {
			return
		}
		if kd.probeMax.CompareAndSwap(cur, uint64(n)) {
			return
		}
	}
}

// ProbeStats returns the average and maximum number of groups visited per
// operation since the KeyDir was created, per spec.md §8's resize
// regression thresholds.
func (kd *KeyDir) ProbeStats() (avg float64, max uint64) {
	ops := kd.probeOps.Load()
	if ops == 0 {
		return 0, 0
	}
	return float64(kd.probeSum.Load()) / float64(ops), kd.probeMax.Load()
}

// snapshot returns the tables to search, newest first, and pins them
// against a concurrent resize by holding the read lock for the duration
// the caller uses them (release via the returned func).
func (kd *KeyDir) snapshot() (cur, old *table, release func()) {
	kd.mu.RLock()
	return kd.cur, kd.old, kd.mu.RUnlock
}

// Find looks up key by its precomputed 64-bit hash.
func (kd *KeyDir) Find(hash uint64, key []byte) (Entry, bool) {
	cur, old, release := kd.snapshot()
	defer release()

	if e, ok := kd.findIn(cur, hash, key); ok {
		return e, true
	}
	if old != nil {
		if e, ok := kd.findIn(old, hash, key); ok {
			return e, true
		}
	}
	return Entry{}, false
}

func (kd *KeyDir) findIn(t *table, hash uint64, key []byte) (Entry, bool) {
	fp := fingerprintOf(hash)
	seq := t.probeSeq(hash, maxProbeGroups)
	probed := 0
	for _, gi := range seq {
		probed++
		g := &t.groups[gi]

		for retry := 0; retry < 1000; retry++ {
			v1 := g.version.Load()
			if v1&1 == 1 {
				continue // writer in progress
			}

			var found Entry
			foundOK := false
			emptySeen := false

			for i := range g.slots {
				s := &g.slots[i]
				st := s.state.Load()
				if st == slotEmpty {
					emptySeen = true
					continue
				}
				if st != slotLive || s.fingerprint.Load() != fp {
					continue
				}
				loc := s.loadLocation()
				h := s.keyHandle.Load()
				if h == int64(tlsf.NoHandle) {
					continue
				}
				chunk := kd.arena.Bytes(tlsf.Handle(h))
				if !keyEqual(chunk, int(loc.KeySize), key) {
					continue
				}
				found = Entry{
					Location: loc,
					Key:      append([]byte(nil), key...),
					Indexes:  decodeChunkIndexes(chunk, int(loc.KeySize)),
				}
				foundOK = true
			}

			v2 := g.version.Load()
			if v1 != v2 {
				continue // torn read, retry this group
			}

			kd.recordProbe(probed)
			if foundOK {
				return found, true
			}
			if emptySeen {
				return Entry{}, false
			}
			break // group was full: fall through to the next probed group
		}
	}
	kd.recordProbe(probed)
	return Entry{}, false
}

// Insert stores key -> loc with the given index tags, overwriting any
// previous entry for key. It returns the previous entry, if any, so the
// caller can account for the value it superseded.
func (kd *KeyDir) Insert(hash uint64, key []byte, loc Location, idx []record.KeyIndex) (Entry, bool, error) {
	kd.mu.RLock()
	cur, oldT := kd.cur, kd.old
	kd.mu.RUnlock()

	old, ok, err := kd.insertInto(cur, hash, key, loc, idx)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok && oldT != nil {
		// The key may still sit in the generation being migrated.
		old, ok = kd.removeFrom(oldT, hash, key)
	}
	if !ok {
		kd.used.Add(1)
	}
	kd.maybeGrow()
	return old, ok, nil
}

// insertInto writes into t, returning (previous entry, hadPrevious, error).
func (kd *KeyDir) insertInto(t *table, hash uint64, key []byte, loc Location, idx []record.KeyIndex) (Entry, bool, error) {
	fp := fingerprintOf(hash)
	seq := t.probeSeq(hash, maxProbeGroups)
	probed := 0

	for _, gi := range seq {
		probed++
		g := &t.groups[gi]
		g.beginWrite()

		matchIdx := -1
		freeIdx := -1
		for i := range g.slots {
			s := &g.slots[i]
			st := s.state.Load()
			if st == slotLive && s.fingerprint.Load() == fp {
				h := s.keyHandle.Load()
				loc0 := s.loadLocation()
				chunk := kd.arena.Bytes(tlsf.Handle(h))
				if keyEqual(chunk, int(loc0.KeySize), key) {
					matchIdx = i
					break
				}
			}
			if freeIdx < 0 && st != slotLive {
				freeIdx = i
			}
		}

		if matchIdx >= 0 {
			s := &g.slots[matchIdx]
			oldLoc := s.loadLocation()
			oldChunk := kd.arena.Bytes(tlsf.Handle(s.keyHandle.Load()))
			oldEntry := Entry{
				Location: oldLoc,
				Key:      append([]byte(nil), key...),
				Indexes:  decodeChunkIndexes(oldChunk, int(oldLoc.KeySize)),
			}

			newChunk := encodeChunk(key, idx)
			nh, ok := kd.arena.Malloc(uint64(len(newChunk)))
			if !ok {
				g.endWrite()
				kd.recordProbe(probed)
				return Entry{}, false, errOutOfMemory
			}
			copy(kd.arena.Bytes(nh), newChunk)
			kd.arena.Free(tlsf.Handle(s.keyHandle.Load()))

			s.storeLocation(loc)
			s.keyHandle.Store(int64(nh))
			g.endWrite()
			kd.recordProbe(probed)
			return oldEntry, true, nil
		}

		if freeIdx >= 0 {
			s := &g.slots[freeIdx]
			chunk := encodeChunk(key, idx)
			h, ok := kd.arena.Malloc(uint64(len(chunk)))
			if !ok {
				g.endWrite()
				kd.recordProbe(probed)
				return Entry{}, false, errOutOfMemory
			}
			copy(kd.arena.Bytes(h), chunk)

			s.storeLocation(loc)
			s.keyHandle.Store(int64(h))
			s.fingerprint.Store(fp)
			s.state.Store(slotLive)
			g.endWrite()
			kd.recordProbe(probed)
			return Entry{}, false, nil
		}

		g.endWrite() // group full, try the next probed group
	}
	kd.recordProbe(probed)
	return Entry{}, false, errTableFull
}

// Remove deletes key, tombstoning its slot for probe-chain correctness
// until the next resize migration rewrites it. It returns the removed
// entry, if any.
func (kd *KeyDir) Remove(hash uint64, key []byte) (Entry, bool) {
	kd.mu.RLock()
	cur, old := kd.cur, kd.old
	kd.mu.RUnlock()

	if e, ok := kd.removeFrom(cur, hash, key); ok {
		kd.used.Add(-1)
		return e, true
	}
	if old != nil {
		if e, ok := kd.removeFrom(old, hash, key); ok {
			kd.used.Add(-1)
			return e, true
		}
	}
	return Entry{}, false
}

func (kd *KeyDir) removeFrom(t *table, hash uint64, key []byte) (Entry, bool) {
	fp := fingerprintOf(hash)
	seq := t.probeSeq(hash, maxProbeGroups)

	for _, gi := range seq {
		g := &t.groups[gi]
		g.beginWrite()

		matchIdx := -1
		emptySeen := false
		for i := range g.slots {
			s := &g.slots[i]
			st := s.state.Load()
			if st == slotEmpty {
				emptySeen = true
				continue
			}
			if st == slotLive && s.fingerprint.Load() == fp {
				loc := s.loadLocation()
				chunk := kd.arena.Bytes(tlsf.Handle(s.keyHandle.Load()))
				if keyEqual(chunk, int(loc.KeySize), key) {
					matchIdx = i
				}
			}
		}

		if matchIdx >= 0 {
			s := &g.slots[matchIdx]
			loc := s.loadLocation()
			h := s.keyHandle.Load()
			chunk := kd.arena.Bytes(tlsf.Handle(h))
			entry := Entry{
				Location: loc,
				Key:      append([]byte(nil), key...),
				Indexes:  decodeChunkIndexes(chunk, int(loc.KeySize)),
			}
			kd.arena.Free(tlsf.Handle(h))
			s.keyHandle.Store(int64(tlsf.NoHandle))
			s.state.Store(slotTombstone)
			g.endWrite()
			return entry, true
		}

		g.endWrite()
		if emptySeen {
			return Entry{}, false
		}
	}
	return Entry{}, false
}

func (kd *KeyDir) maybeGrow() {
	kd.mu.RLock()
	needsResize := float64(kd.used.Load()) > kd.maxLoadFactor*float64(kd.cur.groupCount()*Associativity)
	kd.mu.RUnlock()
	if !needsResize {
		return
	}
	// The current table is itself over the load factor: finish any pending
	// migration so that a larger generation can be started.
	for kd.Upkeep(1024) {
	}

	kd.mu.Lock()
	if kd.old == nil && float64(kd.used.Load()) > kd.maxLoadFactor*float64(kd.cur.groupCount()*Associativity) {
		kd.old = kd.cur
		kd.cur = newTable(kd.old.groupCount() * 2)
		kd.next = 0
	}
	kd.mu.Unlock()
}

// Upkeep migrates up to batchSize groups from the old generation into the
// current one, driven by the maintenance scheduler's upkeepKeyDirBatchSize
// setting. It is a no-op when no resize is in flight. It returns whether a
// migration was in progress (regardless of whether it just completed).
func (kd *KeyDir) Upkeep(batchSize int) bool {
	kd.mu.Lock()
	old := kd.old
	cur := kd.cur
	if old == nil {
		kd.mu.Unlock()
		return false
	}
	start := kd.next
	end := start + batchSize
	if end > old.groupCount() {
		end = old.groupCount()
	}
	kd.next = end
	done := end >= old.groupCount()
	if done {
		kd.old = nil
	}
	kd.mu.Unlock()

	for gi := start; gi < end; gi++ {
		kd.migrateGroup(old, cur, gi)
	}
	return true
}

func (kd *KeyDir) migrateGroup(old, cur *table, gi int) {
	g := &old.groups[gi]
	g.beginWrite()
	defer g.endWrite()

	for i := range g.slots {
		s := &g.slots[i]
		if s.state.Load() != slotLive {
			continue
		}
		loc := s.loadLocation()
		h := s.keyHandle.Load()
		chunk := kd.arena.Bytes(tlsf.Handle(h))
		key := decodeChunkKey(chunk, int(loc.KeySize))
		hash := keyhash.Sum64(key)

		kd.placeMigrated(cur, hash, loc, tlsf.Handle(h))
		s.clear()
	}
}

// placeMigrated inserts an already-allocated chunk handle into t without
// touching the arena, since old and current generations share one arena.
func (kd *KeyDir) placeMigrated(t *table, hash uint64, loc Location, h tlsf.Handle) {
	fp := fingerprintOf(hash)
	seq := t.probeSeq(hash, maxProbeGroups)
	for _, gi := range seq {
		g := &t.groups[gi]
		g.beginWrite()
		freeIdx := -1
		for i := range g.slots {
			if g.slots[i].state.Load() != slotLive {
				freeIdx = i
				break
			}
		}
		if freeIdx >= 0 {
			s := &g.slots[freeIdx]
			s.storeLocation(loc)
			s.keyHandle.Store(int64(h))
			s.fingerprint.Store(fp)
			s.state.Store(slotLive)
			g.endWrite()
			return
		}
		g.endWrite()
	}
	// Freshly doubled table with room for every migrated key; unreachable
	// unless maxLoadFactor is misconfigured above 1.
	panic("keydir: no room in new table during migration")
}
