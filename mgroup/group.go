// Package mgroup implements the metaslab group: the per-device collection
// of metaslabs, kept sorted by allocation weight, that the metaslab class
// rotor walks (spec.md §4.3 "metaslab group", §6 "group / class" config).
package mgroup

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/cmn/mono"
	"github.com/NVIDIA/aismetaslab/ios"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/xworker"
)

// busyUtilPct is the mountpath-utilization percent above which Preload
// defers dispatching new background loads for a device: preloading adds
// read I/O, which is counterproductive on a mountpath already saturated
// by foreground traffic (spec.md §4.5 "preload", device layer input).
const busyUtilPct = 90

type weightKey struct {
	weight uint64
	start  uint64
	id     uint64
}

// byWeightDescStartAsc orders the highest-weight metaslab first; ties
// broken by start offset so iteration order is deterministic (spec.md
// §4.3: "(weight desc, start asc)").
func byWeightDescStartAsc(a, b weightKey) bool {
	if a.weight != b.weight {
		return a.weight > b.weight
	}
	return a.start < b.start
}

// Group owns every metaslab carved out of one vdev slice and exposes the
// weight-ordered view the owning class rotor consults.
type Group struct {
	mu sync.Mutex

	VdevID uint64

	byID      map[uint64]*metaslab.Metaslab
	byWeight  *btree.BTreeG[weightKey]
	curWeight map[uint64]uint64 // id -> last-known weight, to locate the stale tree entry on reweigh

	allocated int64
	deferred  int64

	preload *xworker.Pool

	iostat ios.IOStater
	mpath  string
}

// SetIOStat wires the device-layer utilization feed Preload consults
// before dispatching background loads; mpath must match the name the
// caller registered with iostat.AddMpath for this device.
func (g *Group) SetIOStat(stat ios.IOStater, mpath string) {
	g.mu.Lock()
	g.iostat = stat
	g.mpath = mpath
	g.mu.Unlock()
}

// New constructs an empty group for the given vdev, with a preload pool
// bounded by cmn.Config.PreloadLimit.
func New(vdevID uint64) *Group {
	cfg := cmn.GCO.Get()
	return &Group{
		VdevID:    vdevID,
		byID:      make(map[uint64]*metaslab.Metaslab),
		byWeight:  btree.NewBTreeG[weightKey](byWeightDescStartAsc),
		curWeight: make(map[uint64]uint64),
		preload:   xworker.NewPool("preload", cfg.PreloadLimit),
	}
}

// Add registers ms with the group and seeds its initial position in the
// weight tree. ms.Group must already be this Group (constructed via
// metaslab.New(..., group, ...)).
func (g *Group) Add(ms *metaslab.Metaslab) {
	g.mu.Lock()
	g.byID[ms.ID] = ms
	w := ms.Weight()
	g.curWeight[ms.ID] = w
	g.byWeight.Set(weightKey{weight: w, start: ms.Start, id: ms.ID})
	g.mu.Unlock()
}

// Remove drops ms from the group entirely (vdev removal / evacuation).
func (g *Group) Remove(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, ok := g.byID[id]
	if !ok {
		return
	}
	g.byWeight.Delete(weightKey{weight: g.curWeight[id], start: ms.Start, id: id})
	delete(g.curWeight, id)
	delete(g.byID, id)
}

// MsCount implements metaslab.GroupView.
func (g *Group) MsCount() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(len(g.byID))
}

// Reweigh implements metaslab.GroupView: relocate id's entry in the
// weight tree after RecomputeWeight produced a new value.
func (g *Group) Reweigh(id uint64, weight uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, ok := g.byID[id]
	if !ok {
		return
	}
	old, hadOld := g.curWeight[id]
	if hadOld {
		g.byWeight.Delete(weightKey{weight: old, start: ms.Start, id: id})
	}
	g.curWeight[id] = weight
	g.byWeight.Set(weightKey{weight: weight, start: ms.Start, id: id})
}

// Best returns up to n metaslabs in descending weight order, the
// candidates the class rotor considers for activation.
func (g *Group) Best(n int) []*metaslab.Metaslab {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*metaslab.Metaslab, 0, n)
	g.byWeight.Scan(func(k weightKey) bool {
		out = append(out, g.byID[k.id])
		return len(out) < n
	})
	return out
}

// Get returns the tracked metaslab with the given id, if any.
func (g *Group) Get(id uint64) (*metaslab.Metaslab, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, ok := g.byID[id]
	return ms, ok
}

// FreeCapacity sums the live free space across every metaslab currently
// tracked by the group. Linear in metaslab count; called off the hot
// path (rotor reassessment), not per allocation.
func (g *Group) FreeCapacity() uint64 {
	g.mu.Lock()
	mss := make([]*metaslab.Metaslab, 0, len(g.byID))
	for _, ms := range g.byID {
		mss = append(mss, ms)
	}
	g.mu.Unlock()
	var total uint64
	for _, ms := range mss {
		total += ms.FreeSpace()
	}
	return total
}

// FreeCapacityPct is FreeCapacity expressed as a percentage of the
// group's total metaslab capacity (spec.md §4.5: "free_capacity (percent)").
func (g *Group) FreeCapacityPct() int {
	g.mu.Lock()
	mss := make([]*metaslab.Metaslab, 0, len(g.byID))
	for _, ms := range g.byID {
		mss = append(mss, ms)
	}
	g.mu.Unlock()
	var total, free uint64
	for _, ms := range mss {
		total += ms.Size
		free += ms.FreeSpace()
	}
	if total == 0 {
		return 100
	}
	return int(free * 100 / total)
}

// IntrinsicAllocatable reports the group's own free-capacity eligibility,
// ignoring the class-wide "every group is starved" override (spec.md
// §4.5, first disjunct of `allocatable`: "free_capacity >
// noalloc_threshold"). The owning class uses this, not Allocatable, to
// count its alloc_groups -- calling Allocatable here would make the
// class-wide count depend on itself.
func (g *Group) IntrinsicAllocatable() bool {
	cfg := cmn.GCO.Get()
	return g.FreeCapacityPct() > cfg.MgNoallocThreshold
}

// Allocatable is the full spec.md §4.5 eligibility predicate:
// (free_capacity > noalloc_threshold) OR class.alloc_groups == 0 -- the
// owning class passes its current alloc_groups count as allocGroups.
// The second disjunct guarantees the allocator still makes progress once
// every group in the class is starved. (This module has a single
// allocation class, so the spec's third disjunct, "mc != normal_class",
// never applies and is omitted.)
func (g *Group) Allocatable(allocGroups int) bool {
	if allocGroups == 0 {
		return true
	}
	return g.IntrinsicAllocatable()
}

// ApplySyncDelta folds one metaslab's sync_done deltas into the group's
// running allocated/deferred totals (spec.md §4.3: the group and class
// layers aggregate, rather than recompute, their member metaslabs' sync
// results).
func (g *Group) ApplySyncDelta(allocDelta, deferDelta int64) {
	g.mu.Lock()
	g.allocated += allocDelta
	g.deferred += deferDelta
	g.mu.Unlock()
}

func (g *Group) Allocated() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allocated
}

func (g *Group) Deferred() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deferred
}

// Preload asynchronously loads every metaslab in ids, bounded by
// cmn.Config.PreloadLimit in-flight loads at a time (spec.md §4.3
// "preload"). Errors are logged by the pool. Preload returns once every
// load is submitted; with more targets than free pool slots it blocks
// until earlier loads finish. If
// the backing device is currently saturated with foreground I/O (per
// the wired ios.IOStater, when set), preload is skipped for this round
// rather than compounding the contention.
func (g *Group) Preload(ids []uint64) {
	g.mu.Lock()
	stat, mpath := g.iostat, g.mpath
	targets := make([]*metaslab.Metaslab, 0, len(ids))
	for _, id := range ids {
		if ms, ok := g.byID[id]; ok {
			targets = append(targets, ms)
		}
	}
	g.mu.Unlock()

	if stat != nil && stat.GetMpathUtil(mpath, mono.NanoTime()) >= busyUtilPct {
		return
	}
	for _, ms := range targets {
		ms := ms
		g.preload.Submit(ms.Load)
	}
}

// WaitPreload blocks until every outstanding Preload submission has
// completed; used by tests and by graceful-shutdown paths.
func (g *Group) WaitPreload() { g.preload.Wait() }
