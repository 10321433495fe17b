// Package index implements litecask's key-part secondary index: a
// mapping from an arbitrary tag extracted from a key's KeyIndex ranges
// (spec.md §3/§4.F) to the set of entry key-hashes carrying that tag,
// supporting AND queries across several tags.
//
// The top-level tag -> entry-set map is a puzpuzpuz/xsync/v3 MapOf, which
// suits the access pattern well: many concurrent Query callers against
// occasional Put-driven writes, the same shape the other example repos in
// this pack reach for xsync.MapOf to serve.
//
// litecask never proactively deletes an entry's old tag associations when
// that entry is overwritten or removed elsewhere in the store, since doing
// so would mean walking every tag a key ever carried on every write. A
// tag's entry list instead gets cleaned lazily: Query validates each
// candidate against the caller-supplied liveness check, and once a scan
// turns up enough stale references it compacts the list in place before
// returning.
package index

import (
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dfeneyrou/litecask/internal/keyhash"
)

// ErrBadKeySize is returned when a tag (or key) exceeds what the
// directory's indexing scheme can represent.
var ErrBadKeySize = errors.New("index: key part exceeds maximum size")

// staleCleanThreshold is how many stale references a single Query pass
// over one tag's list must observe before that list is compacted.
const staleCleanThreshold = 10

type entryList struct {
	mu      sync.Mutex
	keyPart []byte
	hashes  []uint64
}

// Index is the concurrent key-part -> entry-hash-set index.
type Index struct {
	table *xsync.MapOf[uint64, *entryList]
}

// New creates an empty index.
func New() *Index {
	return &Index{table: xsync.NewMapOf[uint64, *entryList]()}
}

// Len returns the number of distinct tags currently indexed.
func (ix *Index) Len() int { return ix.table.Size() }

func tagHash(keyPart []byte) uint64 { return keyhash.Sum64(keyPart) }

// Insert associates entryHash with keyPart, appending it to that tag's
// list (duplicates are allowed — a stale duplicate is pruned the same way
// any other stale reference is).
func (ix *Index) Insert(keyPart []byte, entryHash uint64) error {
	if len(keyPart) == 0 || len(keyPart) > 255 {
		return ErrBadKeySize
	}
	h := tagHash(keyPart)

	list, _ := ix.table.Compute(h, func(old *entryList, loaded bool) (*entryList, bool) {
		if loaded && sameKeyPart(old.keyPart, keyPart) {
			return old, false
		}
		if loaded {
			// Hash collision between two distinct tags: extremely unlikely
			// at 64 bits, but handled by chaining isn't supported here, so
			// the newer tag simply loses its old collider's entries rather
			// than panicking.
			return &entryList{keyPart: append([]byte(nil), keyPart...)}, false
		}
		return &entryList{keyPart: append([]byte(nil), keyPart...)}, false
	})

	list.mu.Lock()
	list.hashes = append(list.hashes, entryHash)
	list.mu.Unlock()
	return nil
}

func sameKeyPart(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Query returns the live entry hashes tagged with keyPart. valid reports
// whether a candidate entry hash is still a genuine, current reference
// (typically: present in the KeyDir with this same tag among its
// indexes); stale references are dropped from the tag's list once a scan
// accumulates staleCleanThreshold of them.
func (ix *Index) Query(keyPart []byte, valid func(entryHash uint64) bool) []uint64 {
	h := tagHash(keyPart)
	list, ok := ix.table.Load(h)
	if !ok || !sameKeyPart(list.keyPart, keyPart) {
		return nil
	}

	list.mu.Lock()
	defer list.mu.Unlock()

	live := make([]uint64, 0, len(list.hashes))
	stale := 0
	for _, eh := range list.hashes {
		if valid(eh) {
			live = append(live, eh)
		} else {
			stale++
		}
	}
	if stale >= staleCleanThreshold {
		list.hashes = append(list.hashes[:0], live...)
	}
	return live
}

// QueryAll performs an AND query across several tags, starting from the
// smallest candidate list and intersecting the rest against it.
func (ix *Index) QueryAll(keyParts [][]byte, valid func(entryHash uint64) bool) []uint64 {
	if len(keyParts) == 0 {
		return nil
	}
	results := make([][]uint64, len(keyParts))
	for i, kp := range keyParts {
		results[i] = ix.Query(kp, valid)
		if len(results[i]) == 0 {
			return nil
		}
	}

	smallest := 0
	for i := 1; i < len(results); i++ {
		if len(results[i]) < len(results[smallest]) {
			smallest = i
		}
	}

	candidates := make(map[uint64]int, len(results[smallest]))
	for _, h := range results[smallest] {
		candidates[h] = 1
	}
	for i, r := range results {
		if i == smallest {
			continue
		}
		set := make(map[uint64]bool, len(r))
		for _, h := range r {
			set[h] = true
		}
		for h := range candidates {
			if set[h] {
				candidates[h]++
			}
		}
	}

	out := make([]uint64, 0, len(candidates))
	for h, count := range candidates {
		if count == len(results) {
			out = append(out, h)
		}
	}
	return out
}
