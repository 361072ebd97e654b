package metaslab

import (
	"github.com/golang/glog"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/rangetree"
	"github.com/NVIDIA/aismetaslab/spacemap"
)

// shouldCondenseLocked decides whether this sync should rewrite the space
// map from scratch rather than append (spec.md §4.4): worthwhile only
// when the current on-disk log is both large relative to the number of
// live segments, and larger than the best case a single large free
// segment would need to encode.
func (ms *Metaslab) shouldCondenseLocked() bool {
	cfg := cmn.GCO.Get()
	maxSeg := ms.maxFreeSegment()
	if maxSeg == 0 {
		return false
	}
	curSize, err := ms.sm.Size()
	if err != nil || curSize == 0 {
		return false
	}
	maxSectors := int64(maxSeg >> ms.Ashift)
	bestCaseBytes := cmn.DivCeil(maxSectors, spacemap.RunMaxLen) * spacemap.RecordBytes

	nodeCount := int64(ms.free.Len())
	threshold := int64(cfg.CondensePct) * spacemap.RecordBytes * nodeCount / 100

	return curSize > threshold && bestCaseBytes < curSize
}

// doCondense rewrites the space map as "allocations, then frees" (spec.md
// §4.4): a transient tree C is built to equal "what is allocated as of
// the end of this txg" by removing from the full metaslab range
// everything that is free or about to become free -- this txg's staged
// frees, every defer tree, and any other txg's still-unflushed alloc
// tree -- deliberately *not* subtracting the authoritative free tree
// itself, which the original implementation's own comment calls
// prohibitively expensive to compute this way. C is written as Alloc
// records, then the in-core free tree is written as Free records; the
// second write is redundant with the first given disjoint, consistent
// trees, but is the belt-and-suspenders rewrite spec.md §4.4 step 4
// specifies ("write C as Alloc records, then write the in-core free tree
// as Free records") and this module reproduces it rather than the
// cheaper-looking but spec-divergent single write:
//
//  1. C := full metaslab range
//  2. C -= this txg's staged frees, every defer tree, and any other
//     txg's still-unflushed alloc tree
//  3. truncate the space map
//  4. write C as Alloc records, then write the free tree as Free records
//
// The metaslab lock is held while C is built, but dropped around the
// store truncate/write in steps 3-4 since those are pure I/O with no tree
// state to protect; doCondense is only ever invoked while ms.condensing is
// true, which makes a concurrent Alloc against this metaslab return
// cmn.ErrBusy. Free does not consult ms.condensing.
func (ms *Metaslab) doCondense(txg uint64) error {
	ring := txg % TxgRingSize

	ms.mu.Lock()
	c := rangetree.New(rangetree.Callbacks{})
	cmn.AssertNoErr(c.Add(ms.Start, ms.Size))

	ms.freeTree[ring].Walk(func(s, e uint64) bool {
		cmn.AssertNoErr(c.Remove(s, e-s))
		return true
	})
	for i := range ms.deferTree {
		ms.deferTree[i].Walk(func(s, e uint64) bool {
			cmn.AssertNoErr(c.Remove(s, e-s))
			return true
		})
	}
	for i := range ms.allocTree {
		if uint64(i) == ring {
			continue
		}
		ms.allocTree[i].Walk(func(s, e uint64) bool {
			cmn.AssertNoErr(c.Remove(s, e-s))
			return true
		})
	}
	free := ms.free
	glog.V(3).Infof("metaslab %d condensing at txg %d: %d live segments, %d allocated bytes",
		ms.ID, txg, c.Len(), c.Space())
	ms.mu.Unlock()

	if err := ms.sm.Truncate(); err != nil {
		return err
	}
	if err := ms.sm.Write(c, spacemap.SenseAlloc); err != nil {
		return err
	}
	return ms.sm.Write(free, spacemap.SenseFree)
}
