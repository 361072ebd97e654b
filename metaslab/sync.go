package metaslab

import (
	"github.com/golang/glog"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/spacemap"
)

// Sync flushes this txg's staged allocations and frees to the space map
// (spec.md §4.3 sync(t)). pass numbers the fixed-point iteration sync
// performs within one txg; condensation only ever happens on pass 1.
func (ms *Metaslab) Sync(txg uint64, pass uint32) error {
	ms.mu.Lock()
	ring := txg % TxgRingSize

	if pass == 1 && ms.state == Loaded && ms.shouldCondenseLocked() {
		ms.condensing = true
		ms.mu.Unlock()
		if err := ms.doCondense(txg); err != nil {
			ms.mu.Lock()
			ms.condensing = false
			ms.mu.Unlock()
			return err
		}
		ms.mu.Lock()
		ms.condensing = false
	} else {
		if err := ms.sm.EnsureObject(); err != nil {
			ms.mu.Unlock()
			return err
		}
		ms.mu.Unlock()
		if err := ms.sm.Write(ms.allocTree[ring], spacemap.SenseAlloc); err != nil {
			return err
		}
		if err := ms.sm.Write(ms.freeTree[ring], spacemap.SenseFree); err != nil {
			return err
		}
		ms.mu.Lock()
	}

	ms.allocTree[ring].Vacate(nil)

	if ms.state == Loaded {
		ms.sm.RecomputeHistogram(ms.free)
	} else {
		ms.sm.HistogramAdd(ms.freeTree[ring])
	}

	if pass == 1 {
		ms.freeTree[ring].Swap(ms.freedTree[ring])
	} else {
		ms.freeTree[ring].Vacate(func(s, e uint64) {
			cmn.AssertNoErr(ms.freedTree[ring].Add(s, e-s))
		})
	}
	ms.mu.Unlock()
	return nil
}

// SyncDone retires txg's freed ring into the defer pipeline, ages the
// oldest defer entry back into the free tree, and recomputes the
// metaslab's weight (spec.md §4.3 sync_done(t)). It returns the
// allocated-bytes and deferred-bytes deltas for the caller (the owning
// group/class) to fold into its running totals.
func (ms *Metaslab) SyncDone(txg uint64) (allocDelta, deferDelta int64, err error) {
	ring := txg % TxgRingSize
	deferRing := txg % DeferRingSize

	ms.mu.Lock()
	defer ms.mu.Unlock()

	curAllocated := ms.sm.Allocated()
	allocDelta = curAllocated - ms.prevAllocated
	ms.prevAllocated = curAllocated

	freedBytes := int64(ms.freedTree[ring].Space())
	oldDeferBytes := int64(ms.deferTree[deferRing].Space())
	deferDelta = freedBytes - oldDeferBytes

	ms.deferTree[deferRing].Vacate(func(s, e uint64) {
		if ms.state == Loaded {
			cmn.AssertNoErr(ms.free.Add(s, e-s))
		}
	})
	ms.freedTree[ring].Swap(ms.deferTree[deferRing])

	glog.V(4).Infof("metaslab %d sync_done(%d): alloc_delta=%d defer_delta=%d", ms.ID, txg, allocDelta, deferDelta)
	return allocDelta, deferDelta, nil
}

// IdleSince returns how many txgs have elapsed since this metaslab was
// last touched by Alloc; used by package munload to decide when to drop
// an inactive metaslab's in-core free tree.
func (ms *Metaslab) IdleSince(txg uint64) uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.active != ActiveNone || ms.state != Loaded {
		return 0
	}
	if txg <= ms.accessTxg {
		return 0
	}
	return txg - ms.accessTxg
}
