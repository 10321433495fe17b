package index

import "testing"

func alwaysValid(uint64) bool { return true }

func TestInsertAndQuery(t *testing.T) {
	ix := New()
	if err := ix.Insert([]byte("CUS"), 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ix.Insert([]byte("CUS"), 2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ix.Insert([]byte("ORD"), 2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := ix.Query([]byte("CUS"), alwaysValid)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries tagged CUS, got %v", got)
	}
	if got := ix.Query([]byte("missing"), alwaysValid); got != nil {
		t.Fatalf("expected nil for unknown tag, got %v", got)
	}
}

func TestQueryAllIntersection(t *testing.T) {
	ix := New()
	ix.Insert([]byte("CUS"), 1)
	ix.Insert([]byte("CUS"), 2)
	ix.Insert([]byte("CUS"), 3)
	ix.Insert([]byte("GOLD"), 2)
	ix.Insert([]byte("GOLD"), 3)
	ix.Insert([]byte("GOLD"), 4)

	got := ix.QueryAll([][]byte{[]byte("CUS"), []byte("GOLD")}, alwaysValid)
	if len(got) != 2 {
		t.Fatalf("expected intersection {2,3}, got %v", got)
	}
	seen := map[uint64]bool{}
	for _, h := range got {
		seen[h] = true
	}
	if !seen[2] || !seen[3] {
		t.Fatalf("expected 2 and 3 in intersection, got %v", got)
	}
}

func TestQueryPrunesStaleEntriesPastThreshold(t *testing.T) {
	ix := New()
	for i := uint64(0); i < 2*uint64(staleCleanThreshold)+5; i++ {
		ix.Insert([]byte("tag"), i)
	}

	stale := func(h uint64) bool { return h%2 == 0 } // half are "stale"
	got := ix.Query([]byte("tag"), stale)

	for _, h := range got {
		if h%2 != 0 {
			t.Fatalf("query returned an invalid entry: %d", h)
		}
	}

	// A second query, now with everything valid, should only see the
	// entries that survived compaction (the ones the stale-check kept).
	got2 := ix.Query([]byte("tag"), alwaysValid)
	if len(got2) != len(got) {
		t.Fatalf("expected compaction to have dropped stale entries: got %d, want %d", len(got2), len(got))
	}
}

func TestBadKeySizeRejected(t *testing.T) {
	ix := New()
	if err := ix.Insert(nil, 1); err != ErrBadKeySize {
		t.Fatalf("expected ErrBadKeySize for an empty key part, got %v", err)
	}
	if err := ix.Insert(make([]byte, 256), 1); err != ErrBadKeySize {
		t.Fatalf("expected ErrBadKeySize for an oversized key part, got %v", err)
	}
}
