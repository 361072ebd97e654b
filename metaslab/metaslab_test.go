package metaslab_test

import (
	"testing"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/objstore"
	"github.com/NVIDIA/aismetaslab/spacemap"
)

type fakeGroup struct{ count uint64 }

func (g *fakeGroup) MsCount() uint64             { return g.count }
func (g *fakeGroup) Reweigh(uint64, uint64) {}

func newTestMetaslab(t *testing.T, kind metaslab.StrategyKind) (*metaslab.Metaslab, *objstore.BuntStore) {
	t.Helper()
	store, err := objstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sm := spacemap.New(store, 0, 9, 0)
	ms := metaslab.New(0, 20 /* 1MiB metaslab */, 9, &fakeGroup{count: 1}, sm, kind)
	if err := ms.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := ms.Activate(false); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return ms, store
}

// Scenario 1: a freshly loaded metaslab allocates sequentially from offset
// 0 under first-fit.
func TestSingleMetaslabFirstFit(t *testing.T) {
	ms, _ := newTestMetaslab(t, metaslab.FirstFit)

	off1, err := ms.Alloc(4096, 1)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	if off1 != 0 {
		t.Fatalf("first alloc offset = %d, want 0", off1)
	}
	off2, err := ms.Alloc(4096, 1)
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if off2 != 4096 {
		t.Fatalf("second alloc offset = %d, want 4096", off2)
	}
}

// Scenario 2: a freed range does not become allocatable again until
// DeferRingSize further sync_done calls have passed after the one that
// moved it into the defer ring.
func TestDeferDelaysReuse(t *testing.T) {
	ms, _ := newTestMetaslab(t, metaslab.FirstFit)

	off, err := ms.Alloc(1<<16, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := ms.Free(off, 1<<16, 1, false); err != nil {
		t.Fatalf("free: %v", err)
	}

	for txg := uint64(1); txg <= metaslab.DeferRingSize+1; txg++ {
		if err := ms.Sync(txg, 1); err != nil {
			t.Fatalf("sync(%d): %v", txg, err)
		}
		if _, _, err := ms.SyncDone(txg); err != nil {
			t.Fatalf("sync_done(%d): %v", txg, err)
		}
		if txg <= metaslab.DeferRingSize {
			full := ms.FreeSpace() == (1 << 20)
			if full {
				t.Fatalf("freed range became reusable too early, at txg %d", txg)
			}
		}
	}
	if ms.FreeSpace() != 1<<20 {
		t.Fatalf("after aging through the defer ring free space = %d, want %d", ms.FreeSpace(), uint64(1<<20))
	}
}

// Scenario 3: every strategy kind can complete a basic allocation.
func TestAllStrategiesAllocate(t *testing.T) {
	kinds := []metaslab.StrategyKind{
		metaslab.FirstFit, metaslab.DynamicFit, metaslab.CursorFit, metaslab.NewDynamicFit,
	}
	for _, kind := range kinds {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			ms, _ := newTestMetaslab(t, kind)
			off, err := ms.Alloc(4096, 1)
			if err != nil {
				t.Fatalf("alloc under %s: %v", kind, err)
			}
			if off >= 1<<20 {
				t.Fatalf("offset %d out of range", off)
			}
		})
	}
}

// Scenario 4: condensation keeps the on-disk log from growing without
// bound across many small alloc/free cycles.
func TestCondensationBoundsLogSize(t *testing.T) {
	cmn.GCO.Update(func(c *cmn.Config) { c.CondensePct = 1 })
	defer cmn.GCO.Update(func(c *cmn.Config) { *c = *cmn.DefaultConfig() })

	ms, _ := newTestMetaslab(t, metaslab.FirstFit)

	var txg uint64
	for i := 0; i < 50; i++ {
		txg++
		off, err := ms.Alloc(4096, txg)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if err := ms.Free(off, 4096, txg, false); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
		if err := ms.Sync(txg, 1); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if _, _, err := ms.SyncDone(txg); err != nil {
			t.Fatalf("sync_done %d: %v", i, err)
		}
	}

	sz, err := ms.SpaceMap().Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	// Without condensation 50 alloc+free cycles would append 50 alloc
	// records plus 50 free records (800 bytes); condensation should have
	// collapsed the log down to a handful of records describing the
	// (empty, fully aged-out) live allocation set.
	if sz >= 800 {
		t.Fatalf("space map size = %d, expected condensation to keep it well under the unbounded-append size", sz)
	}
}

// Scenario 7: Claim replays an intent-log entry for a block that was
// allocated pre-crash but already freed (as sync_done would eventually do)
// -- the txg==0 dry run must report it free, and the commit pass must
// reproduce the same free tree as if sync_done had run, by pulling the
// block back out of the free tree and into this txg's alloc ring slot.
func TestClaimReplaysPriorAllocation(t *testing.T) {
	ms, _ := newTestMetaslab(t, metaslab.FirstFit)

	off, err := ms.Alloc(4096, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	free, err := ms.Claim(off, 4096, 0)
	if err != nil {
		t.Fatalf("claim dry run (held): %v", err)
	}
	if free {
		t.Fatalf("expected the still-held extent to be reported not free")
	}

	// The crash-recovery scenario the replay path exists for: the extent
	// was already returned to the free tree, but the intent log still
	// names it as allocated.
	if err := ms.Free(off, 4096, 0, true); err != nil {
		t.Fatalf("free now: %v", err)
	}

	free, err = ms.Claim(off, 4096, 0)
	if err != nil {
		t.Fatalf("claim dry run (freed): %v", err)
	}
	if !free {
		t.Fatalf("expected the freed extent to be reported free")
	}

	committed, err := ms.Claim(off, 4096, 2)
	if err != nil {
		t.Fatalf("claim commit: %v", err)
	}
	if !committed {
		t.Fatalf("expected claim to commit the replayed allocation")
	}
	if ms.CheckFree(off, 4096) {
		t.Fatalf("expected the reclaimed extent to no longer appear in any free/defer tree")
	}

	untouched, err := ms.Claim(off+4096, 4096, 0)
	if err != nil {
		t.Fatalf("claim untouched region: %v", err)
	}
	if !untouched {
		t.Fatalf("expected the untouched region to be reported free")
	}
}
