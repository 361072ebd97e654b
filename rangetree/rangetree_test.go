package rangetree_test

import (
	"testing"

	"github.com/NVIDIA/aismetaslab/rangetree"
)

func TestAddCoalesce(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 512))
	must(t, tr.Add(512, 512))
	if tr.Len() != 1 {
		t.Fatalf("expected coalesced single segment, got %d segments", tr.Len())
	}
	if !tr.Contains(0, 1024) {
		t.Fatalf("expected [0,1024) to be contained")
	}
}

func TestAddOverlapRejected(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 1024))
	if err := tr.Add(512, 512); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestRemoveSplits(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 4096))
	must(t, tr.Remove(1024, 1024))
	if tr.Len() != 2 {
		t.Fatalf("expected 2 residual segments, got %d", tr.Len())
	}
	if tr.Contains(1024, 1024) {
		t.Fatalf("removed range should not be contained")
	}
	if !tr.Contains(0, 1024) || !tr.Contains(2048, 2048) {
		t.Fatalf("residual segments missing")
	}
}

func TestRemoveNotContained(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 512))
	must(t, tr.Add(1024, 512))
	if err := tr.Remove(0, 1024); err == nil {
		t.Fatalf("expected error removing a range that spans a gap")
	}
}

// Round-trip law: add(off,len); remove(off,len) leaves the tree unchanged.
func TestRoundTripLaw(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 1<<20))
	before := tr.Space()
	must(t, tr.Add(1<<20, 4096))
	must(t, tr.Remove(1<<20, 4096))
	if tr.Space() != before {
		t.Fatalf("round-trip changed total space: before=%d after=%d", before, tr.Space())
	}
	if tr.Len() != 1 {
		t.Fatalf("round-trip left %d segments, want 1", tr.Len())
	}
}

// Idempotent vacate: vacate(); vacate() is a no-op the second time.
func TestIdempotentVacate(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 4096))
	tr.Vacate(nil)
	tr.Vacate(nil)
	if tr.Space() != 0 || tr.Len() != 0 {
		t.Fatalf("vacated tree should be empty")
	}
}

func TestSwapExchangesContents(t *testing.T) {
	a := rangetree.New(rangetree.Callbacks{})
	b := rangetree.New(rangetree.Callbacks{})
	must(t, a.Add(0, 1024))
	must(t, b.Add(4096, 2048))
	a.Swap(b)
	if a.Space() != 2048 || b.Space() != 1024 {
		t.Fatalf("swap did not exchange contents: a=%d b=%d", a.Space(), b.Space())
	}
}

func TestHistogramSumMatchesNodeCount(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 512))
	must(t, tr.Add(4096, 2048))
	must(t, tr.Add(1<<20, 1<<20))
	var sum uint64
	for _, c := range tr.Histogram() {
		sum += c
	}
	if int(sum) != tr.Len() {
		t.Fatalf("histogram sum %d != node count %d", sum, tr.Len())
	}
}

func TestSpaceRange(t *testing.T) {
	tr := rangetree.New(rangetree.Callbacks{})
	must(t, tr.Add(0, 1024))
	must(t, tr.Add(2048, 1024))
	if got := tr.SpaceRange(512, 2560); got != 1024 {
		t.Fatalf("space_range = %d, want 1024", got)
	}
}

func TestCallbacksMirrorMutations(t *testing.T) {
	var added, removed []uint64
	tr := rangetree.New(rangetree.Callbacks{
		OnAdd:    func(s, e uint64) { added = append(added, s, e) },
		OnRemove: func(s, e uint64) { removed = append(removed, s, e) },
	})
	must(t, tr.Add(0, 1024))
	must(t, tr.Remove(256, 256))
	if len(added) == 0 || len(removed) == 0 {
		t.Fatalf("expected callbacks to fire: added=%v removed=%v", added, removed)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
