package tlsf

import "testing"

func TestMallocFreeBasic(t *testing.T) {
	a := New(1 << 20)

	h1, ok := a.Malloc(64)
	if !ok {
		t.Fatalf("malloc failed")
	}
	buf := a.Bytes(h1)
	for i := range buf {
		buf[i] = byte(i)
	}

	h2, ok := a.Malloc(128)
	if !ok {
		t.Fatalf("malloc failed")
	}
	if h1 == h2 {
		t.Fatalf("expected distinct handles")
	}

	// Original bytes must survive the second allocation (no aliasing).
	buf = a.Bytes(h1)
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("data corrupted at %d: got %d", i, buf[i])
		}
	}

	a.Free(h1)
	a.Free(h2)
	if a.AllocatedBytes() != 0 {
		t.Fatalf("expected 0 allocated bytes after freeing everything, got %d", a.AllocatedBytes())
	}
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	a := New(1 << 20)

	h1, _ := a.Malloc(256)
	h2, _ := a.Malloc(256)
	h3, _ := a.Malloc(256)
	_ = h2

	a.Free(h1)
	a.Free(h3)
	a.Free(h2) // should merge with both now-free neighbors into one big block

	h4, ok := a.Malloc(256 * 3)
	if !ok {
		t.Fatalf("expected coalesced block to satisfy a larger allocation")
	}
	_ = h4
}

func TestResetInvalidatesAndReusesArena(t *testing.T) {
	a := New(1 << 16)
	for i := 0; i < 100; i++ {
		if _, ok := a.Malloc(64); !ok {
			t.Fatalf("malloc %d failed before reset", i)
		}
	}
	a.Reset()
	if a.AllocatedBytes() != 0 {
		t.Fatalf("expected 0 allocated bytes after reset")
	}
	if _, ok := a.Malloc(1024); !ok {
		t.Fatalf("expected full arena available after reset")
	}
}

func TestOutOfMemoryOnFixedArena(t *testing.T) {
	a := New(256)
	var last bool
	for i := 0; i < 1000; i++ {
		if _, ok := a.Malloc(64); !ok {
			last = true
			break
		}
	}
	if !last {
		t.Fatalf("expected a fixed 256-byte arena to eventually refuse allocations")
	}
}

func TestAllocationOverheadBound(t *testing.T) {
	const arenaBytes = 1 << 20
	const blockSize = 64
	a := New(arenaBytes)

	count := 0
	for {
		if _, ok := a.Malloc(blockSize); !ok {
			break
		}
		count++
	}
	if count == 0 {
		t.Fatalf("expected at least one allocation to succeed")
	}

	usedForPayload := uint64(count) * blockSize
	overheadBytes := a.AllocatedBytes() - usedForPayload
	perBlockOverhead := float64(overheadBytes) / float64(count)
	if perBlockOverhead > 32 {
		t.Fatalf("per-block overhead %.2f exceeds 32 bytes bound", perBlockOverhead)
	}
}
