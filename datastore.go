// Package litecask is an embedded, persistent key-value store: a
// Bitcask-style append-only log with an in-memory key directory,
// segmented-LRU value cache, key-part indexes, and per-entry TTL.
//
// A single process opens a directory with Open, then calls Put/Get/Remove/
// Query concurrently from many goroutines; a background maintenance worker
// drives key-directory resizing, cache eviction, TTL sweep, and merge
// compaction.
package litecask

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dfeneyrou/litecask/internal/cache"
	"github.com/dfeneyrou/litecask/internal/index"
	"github.com/dfeneyrou/litecask/internal/keydir"
	"github.com/dfeneyrou/litecask/internal/keyhash"
	"github.com/dfeneyrou/litecask/internal/record"
)

// KeyIndex names a substring of a key as a searchable tag; see spec.md §3.
type KeyIndex = record.KeyIndex

// tombLoc remembers where a tombstone for a key was last written. The
// KeyDir itself also keeps that tombstone's location, flagged with
// record.FlagTombstone, until the key is written again; the merge engine
// reads it from the KeyDir to apply the delete-retention rule (spec.md
// §4.I-3). Nothing in this package reads the tombstones map back.
type tombLoc struct {
	fileID uint16
	offset uint32
}

// Datastore is an open litecask store. Create one with Open.
type Datastore struct {
	dbPath string
	opts   *options
	logger *Logger

	cfgMu sync.RWMutex
	cfg   Config

	kd    *keydir.KeyDir
	cache *cache.Cache
	idx   *index.Index

	// cacheHandles associates a key's hash with its value-cache handle, a
	// second auxiliary map needed because keydir.Location carries no
	// cache-handle field (see DESIGN.md).
	cacheHandles *xsync.MapOf[uint64, cache.Handle]
	tombstones   *xsync.MapOf[uint64, tombLoc]

	// keyBytesByHash lets Query resolve an index candidate (a bare key
	// hash) back to the key bytes the KeyDir needs for its byte-level
	// comparison, since the index only ever stores hashes. Populated on
	// Put, cleared on Remove.
	keyBytesByHash *xsync.MapOf[uint64, []byte]

	filesMu    sync.RWMutex
	files      map[uint16]*dataFile
	fileOrder  []uint16 // ascending fileId; merge output files take ids above the active one
	activeFile *dataFile
	nextFileID uint32

	writeMu sync.Mutex // serialises the append path (single writer, spec.md §5)

	lockPath string

	counters Counters

	nowFunc atomic.Pointer[func() uint32]

	closed atomic.Bool

	mergeOnGoing   atomic.Bool
	upkeepOnGoing  atomic.Bool
	stopMaintenance chan struct{}
	maintDone       chan struct{}

	lastBufferFlush atomic.Int64 // unix nanos
}

func realNowSec() uint32 { return uint32(time.Now().Unix()) }

// Open opens (and, unless WithCreateIfMissing(false) is passed, creates) a
// litecask store rooted at dbPath.
func Open(dbPath string, opt ...Option) (*Datastore, Status) {
	o := defaultOptions()
	for _, apply := range opt {
		apply(o)
	}

	info, err := os.Stat(dbPath)
	switch {
	case err == nil && !info.IsDir():
		return nil, StatusCannotOpenStore
	case err != nil && os.IsNotExist(err):
		if !o.createIfMissing {
			return nil, StatusCannotOpenStore
		}
		if err := os.MkdirAll(dbPath, 0o755); err != nil {
			return nil, StatusCannotOpenStore
		}
	case err != nil:
		return nil, StatusCannotOpenStore
	}

	lockPath, st := acquireLock(dbPath)
	if st != StatusOk {
		if st == StatusStoreAlreadyInUse {
			o.logger.Warnf("%s", lockfileDiagnostic(filepath.Join(dbPath, lockFileName)))
		}
		return nil, st
	}

	if err := sanitizeDirectory(dbPath); err != nil {
		releaseLock(lockPath)
		return nil, StatusCannotOpenStore
	}

	cfg := DefaultConfig()
	d := &Datastore{
		dbPath:          dbPath,
		opts:            o,
		logger:          o.logger,
		cfg:             cfg,
		kd:              keydir.New(o.keyDirArenaBytes, o.keyDirMaxLoadFactor),
		cache:           cache.New(o.cacheMaxBytes),
		idx:             index.New(),
		cacheHandles:    xsync.NewMapOf[uint64, cache.Handle](),
		tombstones:      xsync.NewMapOf[uint64, tombLoc](),
		keyBytesByHash:  xsync.NewMapOf[uint64, []byte](),
		files:           make(map[uint16]*dataFile),
		lockPath:        lockPath,
		stopMaintenance: make(chan struct{}),
		maintDone:        make(chan struct{}),
	}
	nowFn := realNowSec
	d.nowFunc.Store(&nowFn)

	if err := d.recover(); err != nil {
		d.closeFiles()
		releaseLock(lockPath)
		return nil, StatusCannotOpenStore
	}

	if d.activeFile == nil {
		if st := d.rotateActiveFileLocked(); st != StatusOk {
			d.closeFiles()
			releaseLock(lockPath)
			return nil, st
		}
	}

	d.counters.OpenCallQty.Add(1)
	go d.maintenanceLoop()

	return d, StatusOk
}

// SetTestTimeFunction injects a deterministic clock for TTL tests
// (spec.md §4.G).
func (d *Datastore) SetTestTimeFunction(f func() uint32) {
	d.nowFunc.Store(&f)
}

func (d *Datastore) now() uint32 {
	return (*d.nowFunc.Load())()
}

// Close flushes and closes the store. Close implies a Sync
// (SPEC_FULL §4).
func (d *Datastore) Close() Status {
	if !d.closed.CompareAndSwap(false, true) {
		return StatusStoreNotOpen
	}
	close(d.stopMaintenance)
	<-d.maintDone

	d.writeMu.Lock()
	st := d.syncLocked()
	d.writeMu.Unlock()

	d.closeFiles()
	releaseLock(d.lockPath)
	d.counters.CloseCallQty.Add(1)
	return st
}

func (d *Datastore) closeFiles() {
	d.filesMu.Lock()
	defer d.filesMu.Unlock()
	for _, f := range d.files {
		_ = f.close()
	}
}

func (d *Datastore) checkOpen() Status {
	if d.closed.Load() {
		return StatusStoreNotOpen
	}
	return StatusOk
}

// Sync flushes the active file's write buffer to disk. Idempotent: calling
// it repeatedly with no interleaved write leaves on-disk bytes unchanged
// after the first call (spec.md §8).
func (d *Datastore) Sync() Status {
	if st := d.checkOpen(); st != StatusOk {
		return st
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.syncLocked()
}

func (d *Datastore) syncLocked() Status {
	d.filesMu.RLock()
	active := d.activeFile
	d.filesMu.RUnlock()
	if active == nil {
		return StatusOk
	}
	if err := active.flush(true); err != nil {
		d.logger.Errorf("sync failed: %v", err)
		return StatusBadDiskAccess
	}
	d.lastBufferFlush.Store(time.Now().UnixNano())
	return StatusOk
}

// GetConfig returns the currently effective configuration.
func (d *Datastore) GetConfig() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// SetConfig validates and installs cfg. Per SPEC_FULL §4, the change takes
// effect for the next maintenance cycle and the next data-file rotation;
// an already-open active file is never retroactively resized.
func (d *Datastore) SetConfig(cfg Config) Status {
	if st := d.checkOpen(); st != StatusOk {
		return st
	}
	if st := cfg.validate(); st != StatusOk {
		return st
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	return StatusOk
}

// Counters returns the live instrumentation block; read its fields with
// Snapshot() for a consistent point-in-time copy.
func (d *Datastore) Counters() *Counters { return &d.counters }

// IsMergeOnGoing reports whether a merge cycle is currently running.
func (d *Datastore) IsMergeOnGoing() bool { return d.mergeOnGoing.Load() }

// IsUpkeepingOnGoing reports whether an upkeep cycle is currently running.
func (d *Datastore) IsUpkeepingOnGoing() bool { return d.upkeepOnGoing.Load() }

func validateKey(key []byte) Status {
	if len(key) == 0 || len(key) > record.MaxKeySize {
		return StatusBadKeySize
	}
	return StatusOk
}

func validateValue(value []byte) Status {
	if uint64(len(value)) > uint64(record.MaxValueSize) {
		return StatusBadValueSize
	}
	return StatusOk
}

func validateIndexes(key []byte, idx []KeyIndex) Status {
	if len(idx) > record.MaxKeyIndexQty {
		return StatusInconsistentKeyIndex
	}
	if !record.IndexesOrdered(idx) {
		return StatusUnorderedKeyIndex
	}
	if !record.IndexesConsistent(len(key), idx) {
		return StatusInconsistentKeyIndex
	}
	return StatusOk
}

// Put inserts or overwrites key with value. ttlSec of 0 means the entry
// never expires. forceSync additionally flushes and fsyncs the active
// file before returning.
func (d *Datastore) Put(key, value []byte, idx []KeyIndex, ttlSec uint32, forceSync bool) Status {
	if st := d.checkOpen(); st != StatusOk {
		return st
	}
	if st := validateKey(key); st != StatusOk {
		d.counters.PutCallFailedQty.Add(1)
		return st
	}
	if st := validateValue(value); st != StatusOk {
		d.counters.PutCallFailedQty.Add(1)
		return st
	}
	if st := validateIndexes(key, idx); st != StatusOk {
		d.counters.PutCallFailedQty.Add(1)
		return st
	}

	hash := keyhash.Sum64(key)
	var ttlDeadline uint32
	if ttlSec != 0 {
		ttlDeadline = d.now() + ttlSec
	}

	entry := record.Entry{TTLDeadlineSec: ttlDeadline, Key: key, Value: value, Indexes: idx}
	rec := record.EncodeData(entry)

	d.writeMu.Lock()
	_, st := d.appendRecordLocked(hash, key, rec, len(value), ttlDeadline, 0, idx, forceSync)
	d.writeMu.Unlock()
	if st != StatusOk {
		d.counters.PutCallFailedQty.Add(1)
		return st
	}

	d.tombstones.Delete(hash)
	d.keyBytesByHash.Store(hash, append([]byte(nil), key...))
	d.insertCacheLocked(hash, value, ttlDeadline)
	d.indexKeyParts(key, idx)

	d.counters.PutCallQty.Add(1)
	return StatusOk
}

// Remove deletes key, writing a tombstone record. Removing an absent key
// is not an error: it simply returns EntryNotFound like Get would.
func (d *Datastore) Remove(key []byte, forceSync bool) Status {
	if st := d.checkOpen(); st != StatusOk {
		return st
	}
	if st := validateKey(key); st != StatusOk {
		d.counters.RemoveCallFailedQty.Add(1)
		return st
	}

	hash := keyhash.Sum64(key)
	if e, ok := d.kd.Find(hash, key); !ok || e.Location.Flags&record.FlagTombstone != 0 {
		d.counters.RemoveCallFailedQty.Add(1)
		return StatusEntryNotFound
	}

	entry := record.Entry{Key: key, Tombstone: true}
	rec := record.EncodeData(entry)

	d.writeMu.Lock()
	loc, st := d.appendRecordLocked(hash, key, rec, 0, 0, record.FlagTombstone, nil, forceSync)
	d.writeMu.Unlock()
	if st != StatusOk {
		d.counters.RemoveCallFailedQty.Add(1)
		return st
	}

	d.tombstones.Store(hash, tombLoc{fileID: loc.FileID, offset: loc.Offset})
	d.keyBytesByHash.Delete(hash)
	d.removeCacheLocked(hash)
	d.counters.RemoveCallQty.Add(1)
	return StatusOk
}

// Get returns the value stored for key.
func (d *Datastore) Get(key []byte) ([]byte, Status) {
	if st := d.checkOpen(); st != StatusOk {
		return nil, st
	}
	if st := validateKey(key); st != StatusOk {
		d.counters.GetCallFailedQty.Add(1)
		return nil, st
	}

	d.counters.GetCallQty.Add(1)
	hash := keyhash.Sum64(key)

	e, ok := d.kd.Find(hash, key)
	if !ok || e.Location.Flags&record.FlagTombstone != 0 {
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusEntryNotFound
	}
	if e.Location.TTLDeadlineSec != 0 && d.now() >= e.Location.TTLDeadlineSec {
		d.counters.TTLExpiredQty.Add(1)
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusEntryNotFound
	}

	if v, ok := d.cache.Get(d.cacheHandleFor(hash), hash, int(e.Location.ValueSize)); ok {
		d.counters.GetCacheHitQty.Add(1)
		return v, StatusOk
	}

	f := d.fileFor(e.Location.FileID)
	if f == nil {
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusBadDiskAccess
	}

	recBytes, err := f.readAt(e.Location.Offset, e.Location.EntrySize)
	if err != nil {
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusBadDiskAccess
	}
	if f.isBuffered(e.Location.Offset) {
		d.counters.GetWriteBufferHitQty.Add(1)
	} else {
		d.counters.GetDiskHitQty.Add(1)
	}

	decoded, _, err := record.DecodeData(recBytes)
	if err != nil {
		if err == record.ErrChecksum {
			d.counters.GetCallCorruptedQty.Add(1)
		}
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusEntryCorrupted
	}
	if decoded.Tombstone {
		d.counters.GetCallFailedQty.Add(1)
		return nil, StatusEntryNotFound
	}

	d.insertCacheLocked(hash, decoded.Value, e.Location.TTLDeadlineSec)
	return decoded.Value, StatusOk
}

// Query returns the keys tagged with every one of keyParts (AND
// semantics). An empty keyParts returns zero results with StatusOk.
func (d *Datastore) Query(keyParts [][]byte) ([][]byte, Status) {
	if st := d.checkOpen(); st != StatusOk {
		return nil, st
	}
	d.counters.QueryCallQty.Add(1)
	if len(keyParts) == 0 {
		return nil, StatusOk
	}
	for _, kp := range keyParts {
		if len(kp) == 0 || len(kp) > 65535 {
			return nil, StatusBadKeySize
		}
	}

	matches := d.idx.QueryAll(keyParts, func(entryHash uint64) bool {
		return d.entryHashStillLive(entryHash, keyParts)
	})

	out := make([][]byte, 0, len(matches))
	for _, h := range matches {
		if key := d.keyBytesForHash(h); key != nil {
			out = append(out, key)
		}
	}
	return out, StatusOk
}

func (d *Datastore) fileFor(id uint16) *dataFile {
	d.filesMu.RLock()
	defer d.filesMu.RUnlock()
	return d.files[id]
}

func (d *Datastore) cacheHandleFor(hash uint64) cache.Handle {
	if h, ok := d.cacheHandles.Load(hash); ok {
		return h
	}
	return cache.NoHandle
}

func (d *Datastore) insertCacheLocked(hash uint64, value []byte, ttlDeadline uint32) {
	if !d.cache.IsEnabled() {
		return
	}
	if old, ok := d.cacheHandles.Load(hash); ok {
		d.cache.Remove(old, hash)
	}
	h, ok := d.cache.Insert(hash, value, ttlDeadline)
	if ok {
		d.cacheHandles.Store(hash, h)
	} else {
		d.cacheHandles.Delete(hash)
	}
}

func (d *Datastore) removeCacheLocked(hash uint64) {
	if h, ok := d.cacheHandles.Load(hash); ok {
		d.cache.Remove(h, hash)
		d.cacheHandles.Delete(hash)
	}
}

// indexKeyParts materialises and inserts every declared KeyIndex tag for
// key into the secondary index (spec.md §4.F).
func (d *Datastore) indexKeyParts(key []byte, idx []KeyIndex) {
	hash := keyhash.Sum64(key)
	for _, ki := range idx {
		part := key[ki.StartIdx : int(ki.StartIdx)+int(ki.Size)]
		_ = d.idx.Insert(part, hash)
	}
}

// entryHashStillLive validates a Query candidate against the KeyDir: the
// entry must still exist and every queried part must match one of its
// currently declared KeyIndex tags, not just appear somewhere in the key
// bytes. A key's indexes can change on overwrite while its bytes don't, so
// re-deriving the tag from e.Indexes (rather than scanning e.Key) is what
// makes a stale index-array entry drop out after a reindexing Put. The
// index only ever stores a bare key hash, so keyBytesByHash supplies the
// byte slice the KeyDir's Find needs to disambiguate a hash collision.
func (d *Datastore) entryHashStillLive(entryHash uint64, keyParts [][]byte) bool {
	key, ok := d.keyBytesByHash.Load(entryHash)
	if !ok {
		return false
	}
	e, ok := d.kd.Find(entryHash, key)
	if !ok {
		return false
	}
	for _, kp := range keyParts {
		if !matchesDeclaredIndex(e.Key, e.Indexes, kp) {
			return false
		}
	}
	return true
}

func (d *Datastore) keyBytesForHash(entryHash uint64) []byte {
	key, ok := d.keyBytesByHash.Load(entryHash)
	if !ok {
		return nil
	}
	if _, ok := d.kd.Find(entryHash, key); !ok {
		return nil
	}
	return key
}

// matchesDeclaredIndex reports whether part equals the key substring named
// by one of idx's tags, matching litecask.h's candidate-validation loop
// (key[ki.startIdx..ki.startIdx+ki.size] == kp) rather than a blind scan.
func matchesDeclaredIndex(key []byte, idx []KeyIndex, part []byte) bool {
	for _, ki := range idx {
		start, size := int(ki.StartIdx), int(ki.Size)
		if size != len(part) || start+size > len(key) {
			continue
		}
		if string(key[start:start+size]) == string(part) {
			return true
		}
	}
	return false
}

// appendRecordLocked writes rec to the active file (rotating first if it
// would overflow dataFileMaxBytes), updates the KeyDir, and flushes if
// forceSync was requested. Caller must hold writeMu.
func (d *Datastore) appendRecordLocked(hash uint64, key []byte, rec []byte, valueSize int, ttlDeadline, flags uint32, idx []KeyIndex, forceSync bool) (keydir.Location, Status) {
	cfg := d.GetConfig()

	d.filesMu.Lock()
	active := d.activeFile
	if active != nil && active.length() > 0 && active.length()+uint32(len(rec)) >= cfg.DataFileMaxBytes {
		d.filesMu.Unlock()
		if st := d.rotateActiveFileLocked(); st != StatusOk {
			return keydir.Location{}, st
		}
		d.filesMu.Lock()
		active = d.activeFile
	}
	d.filesMu.Unlock()

	if active == nil {
		return keydir.Location{}, StatusBadDiskAccess
	}

	offset := active.append(rec)
	active.stats.EntryBytes.Add(uint64(len(rec)))
	if flags&record.FlagTombstone != 0 {
		active.stats.TombBytes.Add(uint64(len(rec)))
		active.stats.TombEntries.Add(1)
	}

	loc := keydir.Location{
		FileID:         active.id,
		KeySize:        uint16(len(key)),
		Offset:         offset,
		EntrySize:      uint32(len(rec)),
		ValueSize:      uint32(valueSize),
		TTLDeadlineSec: ttlDeadline,
		Flags:          uint8(flags),
	}

	prev, had, err := d.kd.Insert(hash, key, loc, idx)
	if err != nil {
		return keydir.Location{}, StatusOutOfMemory
	}
	if had {
		d.markDeadLocked(prev)
	}

	if forceSync {
		if err := active.flush(true); err != nil {
			d.logger.Errorf("forced sync failed: %v", err)
			return loc, StatusBadDiskAccess
		}
		d.lastBufferFlush.Store(time.Now().UnixNano())
	}

	return loc, StatusOk
}

// markDeadLocked accounts the superseded record's bytes as dead for its
// owning file, feeding the merge engine's selection criteria.
func (d *Datastore) markDeadLocked(prev keydir.Entry) {
	f := d.fileFor(prev.Location.FileID)
	if f == nil {
		return
	}
	f.stats.DeadBytes.Add(uint64(prev.Location.EntrySize))
	f.stats.DeadEntries.Add(1)
}

// rotateActiveFileLocked seals the current active file (if any) and opens
// a new one, per spec.md §4.D.
func (d *Datastore) rotateActiveFileLocked() Status {
	d.filesMu.Lock()
	defer d.filesMu.Unlock()

	if d.activeFile != nil {
		if err := d.activeFile.flush(true); err != nil {
			return StatusBadDiskAccess
		}
		d.activeFile.sealed = true
		d.counters.ActiveDataFileSwitchQty.Add(1)
	}

	if d.nextFileID > 0xFFFF {
		return StatusBadDiskAccess
	}
	id := uint16(d.nextFileID)
	d.nextFileID++

	ts := time.Now().UnixNano()
	path := filepath.Join(d.dbPath, dataFileName(id, ts))
	handle, err := openDataFileForAppend(path)
	if err != nil {
		return StatusCannotOpenStore
	}

	nf := &dataFile{id: id, path: path, handle: handle}
	d.files[id] = nf
	d.fileOrder = append(d.fileOrder, id)
	d.activeFile = nf
	return StatusOk
}
