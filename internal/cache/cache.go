// Package cache implements litecask's value cache: a segmented LRU (hot,
// warm, cold) backed by a TLSF arena, giving cached reads scan resistance
// — a one-off sequential scan ages out through cold without displacing
// values that are genuinely reused.
//
// Every cached value lives in one queue at a time. Insertion lands in
// Hot. A background pass (Upkeep) demotes the coldest fraction of Hot
// into Warm or Cold depending on whether it was touched since insertion,
// and, while the cache is above its target memory load, does the same
// Warm -> Warm/Cold; a value only leaves Cold through
// eviction or, if it was hit while in Cold, by being moved back to Warm
// when eviction reaches it. This
// "second-chance" rule is what gives the cache its scan resistance: a
// value read exactly once during a scan decays through Hot -> Cold and is
// evicted without ever reaching Warm, while a value read again before
// eviction earns another trip through Warm.
package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/dfeneyrou/litecask/internal/tlsf"
)

// Handle identifies one cached value. It is a direct alias of the backing
// arena's handle type — a cached value never moves inside the arena, so
// the handle the cache hands back to the KeyDir/caller is the same handle
// the arena itself speaks.
type Handle = tlsf.Handle

// NoHandle marks the absence of a cached value.
const NoHandle = tlsf.NoHandle

type queueKind uint8

const (
	queueNone queueKind = 0
	queueHot  queueKind = 1
	queueWarm queueKind = 2
	queueCold queueKind = 3
)

const (
	flagQueueMask uint8 = 0x03
	flagActive    uint8 = 0x04
)

// smallBatchSize bounds how many forced-eviction attempts Insert makes
// before giving up on a full cache, and is also the batch handed to
// updateHotAndWarm when a caller-driven eviction needs fresher Cold
// candidates first.
const smallBatchSize = 10

// chunk header layout within each arena allocation, value bytes follow.
const (
	offOwnerID   = 0
	offExpireSec = 8
	offSize      = 12
	offFlags     = 16
	offPrev      = 18
	offNext      = 26
	headerSize   = 34
)

// Counters mirrors litecask's ValueCacheCounters: plain atomic fields a
// caller reads directly, with no snapshot/lock needed.
type Counters struct {
	InsertCallQty          atomic.Int64
	GetCallQty             atomic.Int64
	RemoveCallQty          atomic.Int64
	HitQty                 atomic.Int64
	MissQty                atomic.Int64
	EvictedQty             atomic.Int64
	CurrentInCacheValueQty atomic.Int64
}

type lruQueue struct {
	head, tail Handle
	bytes      uint64
}

// Cache is the value cache. A single mutex guards both LRU bookkeeping
// and per-chunk header mutation; the upstream design shards the latter
// across a small mutex array for C++-level read concurrency, which a
// single adaptive Go mutex already serves well enough here.
type Cache struct {
	mu               sync.Mutex
	arena            *tlsf.Allocator
	queues           [4]lruQueue // indexed by queueKind, queueNone unused
	targetMemoryLoad float64
	stats            Counters
}

// New creates a value cache with a TLSF arena of maxBytes. maxBytes == 0
// disables caching entirely (IsEnabled reports false).
func New(maxBytes uint64) *Cache {
	return &Cache{
		arena:            tlsf.New(maxBytes),
		targetMemoryLoad: 0.90,
	}
}

// SetTargetMemoryLoad sets the fraction of the arena Upkeep's preventive
// eviction tries to stay under. Values outside (0,1] are rejected.
func (c *Cache) SetTargetMemoryLoad(load float64) bool {
	if load <= 0 || load > 1.0 {
		return false
	}
	c.mu.Lock()
	c.targetMemoryLoad = load
	c.mu.Unlock()
	return true
}

// IsEnabled reports whether the cache has any capacity at all.
func (c *Cache) IsEnabled() bool { return c.arena.Cap() > 0 }

// AllocatedBytes reports current arena usage.
func (c *Cache) AllocatedBytes() uint64 { return c.arena.AllocatedBytes() }

// MaxAllocatableBytes reports the arena's fixed capacity.
func (c *Cache) MaxAllocatableBytes() uint64 { return c.arena.Cap() }

// Counters exposes the live counters.
func (c *Cache) Counters() *Counters { return &c.stats }

// Reset discards every cached value. Callers must guarantee no handle
// issued before Reset is dereferenced afterwards.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena.Reset()
	for i := range c.queues {
		c.queues[i] = lruQueue{head: NoHandle, tail: NoHandle}
	}
	c.stats.CurrentInCacheValueQty.Store(0)
}

func header(buf []byte) (ownerID uint64, expireSec, size uint32, flags uint8, prev, next Handle) {
	ownerID = binary.LittleEndian.Uint64(buf[offOwnerID:])
	expireSec = binary.LittleEndian.Uint32(buf[offExpireSec:])
	size = binary.LittleEndian.Uint32(buf[offSize:])
	flags = buf[offFlags]
	prev = Handle(int64(binary.LittleEndian.Uint64(buf[offPrev:])))
	next = Handle(int64(binary.LittleEndian.Uint64(buf[offNext:])))
	return
}

func putHeader(buf []byte, ownerID uint64, expireSec, size uint32, flags uint8, prev, next Handle) {
	binary.LittleEndian.PutUint64(buf[offOwnerID:], ownerID)
	binary.LittleEndian.PutUint32(buf[offExpireSec:], expireSec)
	binary.LittleEndian.PutUint32(buf[offSize:], size)
	buf[offFlags] = flags
	binary.LittleEndian.PutUint64(buf[offPrev:], uint64(int64(prev)))
	binary.LittleEndian.PutUint64(buf[offNext:], uint64(int64(next)))
}

func (c *Cache) chunk(h Handle) []byte { return c.arena.Bytes(h) }

// Insert stores value under ownerID (the caller's key hash, used to
// validate a later Get/Remove against the same logical entry) with an
// absolute TTL deadline, returning NoHandle if even forced eviction could
// not make room. Called with c.mu unlocked.
func (c *Cache) Insert(ownerID uint64, value []byte, expireAtSec uint32) (Handle, bool) {
	c.stats.InsertCallQty.Add(1)
	targetSize := uint64(headerSize + len(value))

	h, ok := c.arena.Malloc(targetSize)
	if !ok {
		c.forceEvict(targetSize)
		h, ok = c.arena.Malloc(targetSize)
	}
	if !ok {
		return NoHandle, false
	}

	buf := c.chunk(h)
	putHeader(buf, ownerID, expireAtSec, uint32(len(value)), 0, NoHandle, NoHandle)
	copy(buf[headerSize:], value)

	c.stats.CurrentInCacheValueQty.Add(1)

	c.mu.Lock()
	c.lruInsertFront(queueHot, h, uint64(len(value)))
	c.mu.Unlock()
	return h, true
}

// forceEvict tries, best-effort, to free Cold-queue space, mirroring
// insertValue's retry loop. It gives up after smallBatchSize attempts and
// lets the caller retry its allocation once more regardless.
func (c *Cache) forceEvict(targetSize uint64) {
	for tries := 0; tries < smallBatchSize; tries++ {
		c.mu.Lock()
		if c.queues[queueCold].tail == NoHandle {
			c.updateHotAndWarmLocked(smallBatchSize)
			if c.queues[queueCold].tail == NoHandle {
				c.mu.Unlock()
				return
			}
		}
		loc := c.queues[queueCold].tail
		buf := c.chunk(loc)
		_, _, size, flags, _, _ := header(buf)
		if flags&flagActive != 0 {
			c.lruRemoveLocked(loc)
			c.lruInsertFront(queueWarm, loc, uint64(size))
			c.mu.Unlock()
			continue
		}
		c.lruRemoveLocked(loc)
		c.mu.Unlock()
		c.arena.Free(loc)
		c.stats.EvictedQty.Add(1)
		c.stats.CurrentInCacheValueQty.Add(-1)
	}
	_ = targetSize
}

// Get validates loc against ownerID/expectedSize (a cached value can have
// been evicted and the slot reused since the handle was issued) and, on a
// hit, marks it active and returns a fresh copy of the bytes.
func (c *Cache) Get(loc Handle, ownerID uint64, expectedSize int) ([]byte, bool) {
	c.stats.GetCallQty.Add(1)
	if loc == NoHandle {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := c.chunk(loc)
	gotOwner, exp, size, flags, prev, next := header(buf)
	if gotOwner != ownerID || int(size) != expectedSize {
		c.stats.MissQty.Add(1)
		return nil, false
	}

	putHeader(buf, gotOwner, exp, size, flags|flagActive, prev, next)
	c.stats.HitQty.Add(1)

	data := make([]byte, size)
	copy(data, buf[headerSize:headerSize+int(size)])
	return data, true
}

// Remove invalidates loc if it still belongs to ownerID, freeing its
// arena space.
func (c *Cache) Remove(loc Handle, ownerID uint64) bool {
	c.stats.RemoveCallQty.Add(1)
	if loc == NoHandle {
		return false
	}

	c.mu.Lock()
	buf := c.chunk(loc)
	gotOwner, _, size, _, _, _ := header(buf)
	if gotOwner != ownerID || size == 0 {
		c.mu.Unlock()
		return false
	}
	c.lruRemoveLocked(loc)
	putHeader(buf, 0, 0, size, 0, NoHandle, NoHandle)
	c.mu.Unlock()

	c.arena.Free(loc)
	c.stats.CurrentInCacheValueQty.Add(-1)
	return true
}

// Upkeep runs the demotion pass the maintenance scheduler drives, moving
// stale Hot/Warm entries toward Cold in rounds until batchSize entries
// have moved or nothing is left to demote. It evicts nothing;
// PreventiveEvict does that.
func (c *Cache) Upkeep(batchSize uint32) {
	for batchSize > 0 {
		c.mu.Lock()
		consumed := c.updateHotAndWarmLocked(batchSize)
		c.mu.Unlock()
		if consumed == 0 || consumed > batchSize {
			return
		}
		batchSize -= consumed
	}
}

// PreventiveEvict evicts from Cold until the cache is back under its
// target memory load or batchSize attempts are exhausted.
func (c *Cache) PreventiveEvict(batchSize uint32) {
	if !c.IsEnabled() {
		return
	}
	target := uint64(c.targetMemoryLoad * float64(c.arena.Cap()))

	for batchSize > 0 && c.arena.AllocatedBytes() > target {
		batchSize--
		c.mu.Lock()
		if c.queues[queueCold].tail == NoHandle {
			c.updateHotAndWarmLocked(smallBatchSize)
			if c.queues[queueCold].tail == NoHandle {
				c.mu.Unlock()
				break
			}
		}
		loc := c.queues[queueCold].tail
		buf := c.chunk(loc)
		_, _, size, flags, _, _ := header(buf)
		if flags&flagActive != 0 {
			c.lruRemoveLocked(loc)
			c.lruInsertFront(queueWarm, loc, uint64(size))
			c.mu.Unlock()
			continue
		}
		c.lruRemoveLocked(loc)
		c.mu.Unlock()
		c.arena.Free(loc)
		c.stats.EvictedQty.Add(1)
		c.stats.CurrentInCacheValueQty.Add(-1)
	}
}

// lruRemoveLocked detaches h from whichever queue it currently sits in.
// c.mu must be held.
func (c *Cache) lruRemoveLocked(h Handle) {
	buf := c.chunk(h)
	_, exp, size, flags, prev, next := header(buf)
	kind := flags & flagQueueMask
	q := &c.queues[kind]

	if prev != NoHandle {
		pbuf := c.chunk(prev)
		po, pe, ps, pf, pp, _ := header(pbuf)
		putHeader(pbuf, po, pe, ps, pf, pp, next)
	} else {
		q.head = next
	}
	if next != NoHandle {
		nbuf := c.chunk(next)
		no, ne, ns, nf, _, nn := header(nbuf)
		putHeader(nbuf, no, ne, ns, nf, prev, nn)
	} else {
		q.tail = prev
	}
	q.bytes -= uint64(size)

	owner, _, _, _, _, _ := header(buf)
	putHeader(buf, owner, exp, size, flagNone(flags), NoHandle, NoHandle)
}

func flagNone(flags uint8) uint8 { return flags &^ flagQueueMask }

// lruInsertFront pushes h onto the head of queue kind. c.mu must be held.
func (c *Cache) lruInsertFront(kind queueKind, h Handle, size uint64) {
	q := &c.queues[kind]
	buf := c.chunk(h)
	owner, exp, sz, flags, _, _ := header(buf)

	newFlags := (flags &^ flagQueueMask) | uint8(kind)
	newFlags &^= flagActive // bumping clears the active bit, per litecask.h lruInsertFront

	if q.head != NoHandle {
		hbuf := c.chunk(q.head)
		ho, he, hs, hf, _, hn := header(hbuf)
		putHeader(hbuf, ho, he, hs, hf, h, hn)
		putHeader(buf, owner, exp, sz, newFlags, NoHandle, q.head)
	} else {
		q.tail = h
		putHeader(buf, owner, exp, sz, newFlags, NoHandle, NoHandle)
	}
	q.head = h
	q.bytes += size
}

// updateHotAndWarmLocked demotes the coldest share of Hot into Warm/Cold,
// then, only while the arena is above its target memory load, Warm into
// Warm (bumped, if active) or Cold, capping each pass at
// batchSize entries and at the bytes needed to bring that queue back
// under its target share of total cached bytes (20% for Hot, 40% for
// Warm). c.mu must be held.
func (c *Cache) updateHotAndWarmLocked(batchSize uint32) uint32 {
	allBytes := int64(c.queues[queueHot].bytes) + int64(c.queues[queueWarm].bytes) + int64(c.queues[queueCold].bytes)
	var consumed uint32

	consumed += c.demote(queueHot, batchSize, allBytes*20/100)
	if c.arena.AllocatedBytes() > uint64(c.targetMemoryLoad*float64(c.arena.Cap())) {
		consumed += c.demote(queueWarm, batchSize, allBytes*40/100)
	}
	return consumed
}

func (c *Cache) demote(kind queueKind, batchSize uint32, targetBytes int64) uint32 {
	moveBytes := int64(c.queues[kind].bytes) - targetBytes
	if moveBytes < 0 {
		moveBytes = 0
	}
	var consumed uint32
	for moveQty := batchSize; moveQty > 0 && moveBytes > 0; moveQty-- {
		loc := c.queues[kind].tail
		if loc == NoHandle {
			break
		}
		buf := c.chunk(loc)
		_, _, size, flags, _, _ := header(buf)
		active := flags&flagActive != 0
		c.lruRemoveLocked(loc)
		if active {
			c.lruInsertFront(queueWarm, loc, uint64(size))
		} else {
			c.lruInsertFront(queueCold, loc, uint64(size))
		}
		moveBytes -= int64(size)
		consumed++
	}
	return consumed
}
