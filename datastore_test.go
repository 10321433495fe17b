package litecask

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, dir string, opts ...Option) *Datastore {
	t.Helper()
	ds, st := Open(dir, opts...)
	if st != StatusOk {
		t.Fatalf("open failed: %v", st)
	}
	return ds
}

// S1: Open -> put(key="k", value=[1..8]) -> get("k") -> close.
func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	value := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if st := ds.Put([]byte("k"), value, nil, 0, false); st != StatusOk {
		t.Fatalf("put: %v", st)
	}
	got, st := ds.Get([]byte("k"))
	if st != StatusOk {
		t.Fatalf("get: %v", st)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("expected %v, got %v", value, got)
	}
}

// ∀k: remove(k); get(k) = EntryNotFound; repeated remove(k) = EntryNotFound.
func TestRemoveIsIdempotentAndHides(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	ds.Put([]byte("k"), []byte("v"), nil, 0, false)
	if st := ds.Remove([]byte("k"), false); st != StatusOk {
		t.Fatalf("remove: %v", st)
	}
	if _, st := ds.Get([]byte("k")); st != StatusEntryNotFound {
		t.Fatalf("expected EntryNotFound, got %v", st)
	}
	if st := ds.Remove([]byte("k"), false); st != StatusEntryNotFound {
		t.Fatalf("expected EntryNotFound on repeated remove, got %v", st)
	}
}

// Round-trip across a reopen, matching the durability property in spec.md §8.
func TestReopenPreservesLastValue(t *testing.T) {
	dir := t.TempDir()

	ds := openTestStore(t, dir)
	ds.Put([]byte("a"), []byte("first"), nil, 0, false)
	ds.Put([]byte("a"), []byte("second"), nil, 0, true)
	ds.Put([]byte("b"), []byte("other"), nil, 0, true)
	if st := ds.Close(); st != StatusOk {
		t.Fatalf("close: %v", st)
	}

	ds2 := openTestStore(t, dir)
	defer ds2.Close()

	got, st := ds2.Get([]byte("a"))
	if st != StatusOk || string(got) != "second" {
		t.Fatalf("expected 'second' after reopen, got %q st=%v", got, st)
	}
	got, st = ds2.Get([]byte("b"))
	if st != StatusOk || string(got) != "other" {
		t.Fatalf("expected 'other' after reopen, got %q st=%v", got, st)
	}
}

// S2: active-file rotation.
func TestActiveFileRotatesAtSizeBound(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = 2048
	cfg.MergeTriggerDataFileDeadByteThreshold = 2048
	cfg.MergeSelectDataFileDeadByteThreshold = 1024
	if st := ds.SetConfig(cfg); st != StatusOk {
		t.Fatalf("setConfig: %v", st)
	}

	key := []byte("key4") // 4 bytes
	value := make([]byte, 128)
	perEntry := 16 + len(key) + len(value)
	fits := 2048 / perEntry // entries that fit in a file without reaching the bound

	for i := 0; i < fits; i++ {
		if st := ds.Put(key, value, nil, 0, false); st != StatusOk {
			t.Fatalf("put %d: %v", i, st)
		}
	}
	if got := ds.Counters().ActiveDataFileSwitchQty.Load(); got != 0 {
		t.Fatalf("expected no rotation yet while filling the first file, got %d", got)
	}

	// The next entry no longer fits ahead of the bound: it seals the first
	// file and starts a second one.
	if st := ds.Put(key, value, nil, 0, false); st != StatusOk {
		t.Fatalf("put overflow: %v", st)
	}
	if got := ds.Counters().ActiveDataFileSwitchQty.Load(); got != 1 {
		t.Fatalf("expected 1 rotation, got %d", got)
	}

	// Fill the second file the same way to trigger a second rotation.
	for i := 0; i < fits-1; i++ {
		if st := ds.Put(key, value, nil, 0, false); st != StatusOk {
			t.Fatalf("put %d: %v", i, st)
		}
	}
	if got := ds.Counters().ActiveDataFileSwitchQty.Load(); got != 1 {
		t.Fatalf("expected still 1 rotation, got %d", got)
	}
	if st := ds.Put(key, value, nil, 0, false); st != StatusOk {
		t.Fatalf("put overflow 2: %v", st)
	}
	if got := ds.Counters().ActiveDataFileSwitchQty.Load(); got != 2 {
		t.Fatalf("expected 2 rotations, got %d", got)
	}
}

// S3: config rejection when the merge trigger dead-byte threshold exceeds
// the data file size bound.
func TestSetConfigRejectsInconsistentThresholds(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = 11000
	cfg.MergeTriggerDataFileDeadByteThreshold = 11001
	cfg.MergeSelectDataFileDeadByteThreshold = 20000 // > trigger: inconsistent

	if st := ds.SetConfig(cfg); st != StatusInconsistentParameterValues {
		t.Fatalf("expected InconsistentParameterValues, got %v", st)
	}
}

// S4: big entries accepted up to the limit, rejected one key-byte over.
func TestBigEntriesAndKeySizeLimit(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	bigKey := bytes.Repeat([]byte("k"), 65000)
	bigValue := make([]byte, 2_000_000)
	if st := ds.Put(bigKey, bigValue, nil, 0, false); st != StatusOk {
		t.Fatalf("put big entry: %v", st)
	}

	tooBigKey := bytes.Repeat([]byte("k"), 65535)
	if st := ds.Put(tooBigKey, []byte("v"), nil, 0, false); st != StatusBadKeySize {
		t.Fatalf("expected BadKeySize, got %v", st)
	}
}

// S5: index update on overwrite changes which queries still match.
func TestIndexUpdateOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	key := []byte("ABCDEFGH")
	idx1 := []KeyIndex{{StartIdx: 1, Size: 2}, {StartIdx: 5, Size: 3}}
	if st := ds.Put(key, []byte("v1"), idx1, 0, false); st != StatusOk {
		t.Fatalf("put: %v", st)
	}

	idx2 := []KeyIndex{{StartIdx: 0, Size: 2}}
	if st := ds.Put(key, []byte("v2"), idx2, 0, false); st != StatusOk {
		t.Fatalf("overwrite: %v", st)
	}

	matches, st := ds.Query([][]byte{key[5:8]})
	if st != StatusOk {
		t.Fatalf("query old tag: %v", st)
	}
	if len(matches) != 0 {
		t.Fatalf("expected 0 matches for dropped tag, got %d", len(matches))
	}

	matches, st = ds.Query([][]byte{key[0:2]})
	if st != StatusOk {
		t.Fatalf("query new tag: %v", st)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match for current tag, got %d", len(matches))
	}
}

// Index correctness scenario from spec.md §8, with a more tag-friendly key
// (the literal example's colon/slash separators are fine as raw bytes).
func TestIndexCorrectnessMultiTagQuery(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	key := []byte("UJohn Doe/CUS/TTax document/0001")
	idx := []KeyIndex{{StartIdx: 0, Size: 9}, {StartIdx: 10, Size: 3}, {StartIdx: 14, Size: 13}}
	if st := ds.Put(key, []byte("doc"), idx, 0, false); st != StatusOk {
		t.Fatalf("put: %v", st)
	}

	for _, part := range [][]byte{[]byte("UJohn Doe"), []byte("CUS"), []byte("TTax document")} {
		matches, st := ds.Query([][]byte{part})
		if st != StatusOk || len(matches) != 1 {
			t.Fatalf("query %q: matches=%d st=%v", part, len(matches), st)
		}
	}

	matches, st := ds.Query([][]byte{[]byte("UJohn Doe"), []byte("CUS")})
	if st != StatusOk || len(matches) != 1 {
		t.Fatalf("multi-part query: matches=%d st=%v", len(matches), st)
	}
}

// TTL: put with ttl=10 at T=0; get at T=5 ok, get at T=10 not found.
func TestTTLExpiry(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	var clock uint32
	ds.SetTestTimeFunction(func() uint32 { return clock })

	ds.Put([]byte("k"), []byte("v"), nil, 10, false)

	clock = 5
	if _, st := ds.Get([]byte("k")); st != StatusOk {
		t.Fatalf("expected live at T=5, got %v", st)
	}

	clock = 10
	if _, st := ds.Get([]byte("k")); st != StatusEntryNotFound {
		t.Fatalf("expected expired at T=10, got %v", st)
	}
}

// S6: multi-open from a second instance on the same path fails.
func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	_, st := Open(dir)
	if st != StatusStoreAlreadyInUse {
		t.Fatalf("expected StoreAlreadyInUse, got %v", st)
	}
}

// Merge safety (delete retention): write A=1 to file1, seal; write A=2 to
// file2, seal; delete A in file3; merge {file1, file3} leaves A absent
// after reopen (spec.md §8).
func TestMergeDeleteRetentionSafety(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)

	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = minDataFileMaxBytes
	ds.SetConfig(cfg)

	ds.Put([]byte("A"), []byte("1"), nil, 0, true)
	ds.rotateActiveFileLocked()
	ds.Put([]byte("A"), []byte("2"), nil, 0, true)
	ds.rotateActiveFileLocked()
	ds.Remove([]byte("A"), true)
	ds.rotateActiveFileLocked()

	sealed := ds.sealedFilesSnapshot()
	if len(sealed) < 3 {
		t.Fatalf("expected at least 3 sealed files, got %d", len(sealed))
	}
	selected := sealed[:1] // file1 only; file2 (with A=2) stays outside the merge
	selected = append(selected, sealed[len(sealed)-1])

	ds.runMergeCycleForTest(selected)
	ds.Close()

	ds2 := openTestStore(t, dir)
	defer ds2.Close()
	if _, st := ds2.Get([]byte("A")); st != StatusEntryNotFound {
		t.Fatalf("expected EntryNotFound after reopen, got %v", st)
	}
}

func TestQueryWithEmptyPartsReturnsOkEmpty(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	matches, st := ds.Query(nil)
	if st != StatusOk || matches != nil {
		t.Fatalf("expected Ok/empty, got matches=%v st=%v", matches, st)
	}
}

// Large-scale durability: 10^5 key/value pairs survive a close/reopen cycle,
// exercising rotation, the key directory's background resize, and recovery
// together rather than in isolation (spec.md §8).
func TestReopenPreservesLargePopulation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large round-trip in short mode")
	}
	dir := t.TempDir()
	const n = 100_000

	ds := openTestStore(t, dir)
	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = 4 * 1024 * 1024
	cfg.MergeTriggerDataFileDeadByteThreshold = uint64(cfg.DataFileMaxBytes)
	cfg.MergeSelectDataFileDeadByteThreshold = uint64(cfg.DataFileMaxBytes) / 2
	if st := ds.SetConfig(cfg); st != StatusOk {
		t.Fatalf("setConfig: %v", st)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("big-key-%06d", i))
		value := []byte(fmt.Sprintf("value-%06d", i))
		if st := ds.Put(key, value, nil, 0, false); st != StatusOk {
			t.Fatalf("put %d: %v", i, st)
		}
	}
	if st := ds.Close(); st != StatusOk {
		t.Fatalf("close: %v", st)
	}

	ds2 := openTestStore(t, dir)
	defer ds2.Close()
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("big-key-%06d", i))
		want := fmt.Sprintf("value-%06d", i)
		got, st := ds2.Get(key)
		if st != StatusOk || string(got) != want {
			t.Fatalf("key %d: got %q st=%v, want %q", i, got, st, want)
		}
	}
}

// Concurrency invariant (spec.md §8): one writer filling keys 0..N-1 while a
// reader polls concurrently must never observe a corrupted read or any
// status other than Ok or EntryNotFound (a key not written yet), and by the
// time both finish every put has a matching get.
func TestConcurrentWriterAndPollingReaderStayConsistent(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	const n = 5000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("c-key-%05d", i))
			if st := ds.Put(key, key, nil, 0, false); st != StatusOk {
				t.Errorf("put %d: %v", i, st)
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for i := 0; i < n; i++ {
				key := []byte(fmt.Sprintf("c-key-%05d", i))
				if _, st := ds.Get(key); st != StatusOk && st != StatusEntryNotFound {
					t.Errorf("unexpected status polling key %d: %v", i, st)
				}
			}
		}
	}()

	// Let the writer run to completion, then stop the poller.
	for ds.Counters().PutCallQty.Load() < n {
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	if got := ds.Counters().GetCallCorruptedQty.Load(); got != 0 {
		t.Fatalf("expected no corrupted reads, got %d", got)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("c-key-%05d", i))
		got, st := ds.Get(key)
		if st != StatusOk || !bytes.Equal(got, key) {
			t.Fatalf("final check key %d: got %q st=%v", i, got, st)
		}
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ds := openTestStore(t, dir)
	defer ds.Close()

	ds.Put([]byte("k"), []byte("v"), nil, 0, false)
	if st := ds.Sync(); st != StatusOk {
		t.Fatalf("sync 1: %v", st)
	}
	if st := ds.Sync(); st != StatusOk {
		t.Fatalf("sync 2: %v", st)
	}
}
