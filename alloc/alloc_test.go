package alloc_test

import (
	"testing"

	"github.com/NVIDIA/aismetaslab/alloc"
	"github.com/NVIDIA/aismetaslab/mclass"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/mgroup"
	"github.com/NVIDIA/aismetaslab/objstore"
	"github.com/NVIDIA/aismetaslab/spacemap"
	"github.com/NVIDIA/aismetaslab/vdev"
)

// buildPool wires nVdevs one-metaslab-each vdevs into a class/allocator,
// the minimal end-to-end assembly spec.md §6 describes: device -> group
// -> class -> facade.
func buildPool(t *testing.T, nVdevs int) (*alloc.Allocator, *mclass.Class) {
	t.Helper()
	const ashift = 9
	const msShift = 16 // 64KiB metaslabs, small enough to exhaust quickly in tests

	devices := vdev.NewDeviceSet()
	class := mclass.New()
	a := alloc.New(class, devices)

	for i := 0; i < nVdevs; i++ {
		id := uint64(i)
		v := vdev.New(id, "/dev/null", ashift, msShift, 1)
		devices.Add(v)

		g := mgroup.New(id)
		store, err := objstore.Open(":memory:")
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		sm := spacemap.New(store, 0, ashift, 0)
		ms := metaslab.New(0, msShift, ashift, g, sm, metaslab.FirstFit)
		if err := ms.Load(); err != nil {
			t.Fatalf("load: %v", err)
		}
		g.Add(ms)

		class.AddGroup(g)
		a.RegisterGroup(id, g)
	}
	return a, class
}

// Scenario 5: n_copies allocations spread across distinct vdevs.
func TestAllocSpreadsCopiesAcrossVdevs(t *testing.T) {
	a, _ := buildPool(t, 4)

	dvas, err := a.Alloc(4096, 3, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if len(dvas) != 3 {
		t.Fatalf("got %d copies, want 3", len(dvas))
	}
	seen := make(map[uint64]bool)
	for _, d := range dvas {
		if seen[d.VdevID] {
			t.Fatalf("two copies landed on the same vdev %d", d.VdevID)
		}
		seen[d.VdevID] = true
	}
}

// Scenario 6: when n_copies exceeds the number of vdevs, the allocator
// relaxes the distance requirement rather than failing.
func TestAllocRelaxesDistanceWhenPoolTooSmall(t *testing.T) {
	a, _ := buildPool(t, 2)

	dvas, err := a.Alloc(4096, 3, 1)
	if err != nil {
		t.Fatalf("alloc with relaxed distance: %v", err)
	}
	if len(dvas) != 3 {
		t.Fatalf("got %d copies, want 3", len(dvas))
	}
}

func TestFreeThenCheckFreeReportsFree(t *testing.T) {
	a, _ := buildPool(t, 1)

	dvas, err := a.Alloc(4096, 1, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := a.Free(dvas, 1); err != nil {
		t.Fatalf("free: %v", err)
	}
	if a.CheckFree(dvas[0]) {
		t.Fatalf("expected CheckFree to report not-allocated after Free")
	}
}

// Scenario 7: Claim's two-phase replay protocol. A still-held extent
// dry-runs as not free; once it has been freed out from under the intent
// log (the crash-recovery case the replay path exists for), the dry run
// reports it free and the commit pass reclaims it, after which CheckFree
// no longer finds it in any free/defer tree.
func TestClaimReplaysPriorAllocation(t *testing.T) {
	a, class := buildPool(t, 1)

	dvas, err := a.Alloc(4096, 1, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	dva := dvas[0]

	free, err := a.Claim(dva, 0)
	if err != nil {
		t.Fatalf("claim dry run (held): %v", err)
	}
	if free {
		t.Fatalf("expected the still-held extent to be reported not free")
	}

	g := class.Groups()[0]
	ms, ok := g.Get(0)
	if !ok {
		t.Fatalf("metaslab 0 not found")
	}
	if err := ms.Free(dva.Offset, dva.Size, 0, true); err != nil {
		t.Fatalf("free now: %v", err)
	}

	free, err = a.Claim(dva, 0)
	if err != nil {
		t.Fatalf("claim dry run (freed): %v", err)
	}
	if !free {
		t.Fatalf("expected the freed extent to be reported free")
	}

	committed, err := a.Claim(dva, 2)
	if err != nil {
		t.Fatalf("claim commit: %v", err)
	}
	if !committed {
		t.Fatalf("expected claim to commit the replayed allocation")
	}
	if !a.CheckFree(dva) {
		t.Fatalf("expected CheckFree to report the reclaimed extent is no longer free")
	}
}
