package spacemap_test

import (
	"testing"

	"github.com/NVIDIA/aismetaslab/objstore"
	"github.com/NVIDIA/aismetaslab/rangetree"
	"github.com/NVIDIA/aismetaslab/spacemap"
)

func openStore(t *testing.T) *objstore.BuntStore {
	t.Helper()
	s, err := objstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Load inverse of write: a space map is a transaction log, not a
// snapshot -- writing one generation of Alloc records and replaying them
// against a freshly full-initialized tree reconstructs exactly the
// complementary free set (spec.md §8 laws).
func TestWriteLoadRoundTrip(t *testing.T) {
	store := openStore(t)
	const ashift = 9 // 512-byte sectors
	const base = 0
	const size = uint64(1 << 20)

	alloc := rangetree.New(rangetree.Callbacks{})
	must(t, alloc.Add(base, 64*1024))

	sm := spacemap.New(store, 0, ashift, base)
	must(t, sm.Write(alloc, spacemap.SenseAlloc))

	got := rangetree.New(rangetree.Callbacks{})
	must(t, got.Add(base, size))
	must(t, sm.Load(got, spacemap.SenseFree))

	wantFree := size - 64*1024
	if got.Space() != wantFree {
		t.Fatalf("reconstructed free space = %d, want %d", got.Space(), wantFree)
	}
	if !got.Contains(base+64*1024, size-64*1024) {
		t.Fatalf("expected the unallocated tail to remain one contiguous free segment")
	}
}

func TestRunSplitting(t *testing.T) {
	store := openStore(t)
	const ashift = 9
	sm := spacemap.New(store, 0, ashift, 0)

	huge := rangetree.New(rangetree.Callbacks{})
	// one interval spanning far more than 2^15 sectors
	length := uint64(1<<16) << ashift
	must(t, huge.Add(0, length))
	must(t, sm.Write(huge, spacemap.SenseAlloc))

	if sm.Allocated() != int64(length) {
		t.Fatalf("allocated = %d, want %d", sm.Allocated(), length)
	}

	sz, err := sm.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if sz <= 8 {
		t.Fatalf("expected the huge interval to be split across multiple records, size=%d", sz)
	}
}

func TestAllocatedAccounting(t *testing.T) {
	store := openStore(t)
	sm := spacemap.New(store, 0, 9, 0)

	a := rangetree.New(rangetree.Callbacks{})
	must(t, a.Add(0, 4096))
	must(t, sm.Write(a, spacemap.SenseAlloc))

	f := rangetree.New(rangetree.Callbacks{})
	must(t, f.Add(0, 1024))
	must(t, sm.Write(f, spacemap.SenseFree))

	if sm.Allocated() != 4096-1024 {
		t.Fatalf("allocated = %d, want %d", sm.Allocated(), 4096-1024)
	}
}

func TestTruncate(t *testing.T) {
	store := openStore(t)
	sm := spacemap.New(store, 0, 9, 0)
	a := rangetree.New(rangetree.Callbacks{})
	must(t, a.Add(0, 4096))
	must(t, sm.Write(a, spacemap.SenseAlloc))

	must(t, sm.Truncate())
	sz, err := sm.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if sz != 0 {
		t.Fatalf("truncated space map should be empty, got %d bytes", sz)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
