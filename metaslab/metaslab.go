// Package metaslab implements the metaslab lifecycle, per-txg staging
// pipeline, condensation, and the four allocation strategies (spec.md
// §4.3-§4.4). A metaslab owns exactly one in-core free tree, four
// per-txg alloc/free staging trees, four per-txg "freed" trees, and a
// two-entry defer ring -- all backed by package rangetree -- plus one
// on-disk space map (package spacemap).
package metaslab

import (
	"sync"

	"github.com/golang/glog"
	"github.com/tidwall/btree"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/rangetree"
	"github.com/NVIDIA/aismetaslab/spacemap"
)

const (
	TxgRingSize   = 4 // alloc[]/free[] ring size, indexed by txg mod 4
	DeferRingSize = 2 // D: defer ring size, indexed by txg mod 2
)

type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

type ActiveBits uint64

const (
	ActiveNone      ActiveBits = 0
	ActivePrimary   ActiveBits = 1 << 0
	ActiveSecondary ActiveBits = 1 << 1
)

// GroupView is the subset of the owning metaslab group a metaslab needs:
// the linear weight term's denominator, and a hook to re-sort after a
// weight change. Kept as an interface (rather than a *mgroup.Group back
// pointer) so this package does not import mgroup.
type GroupView interface {
	MsCount() uint64
	Reweigh(id uint64, weight uint64)
}

type sizeKey struct{ length, start uint64 }

func bySizeThenStart(a, b sizeKey) bool {
	if a.length != b.length {
		return a.length < b.length
	}
	return a.start < b.start
}

// Metaslab is one power-of-two-sized slice of a device: start = id<<shift,
// size = 1<<shift.
type Metaslab struct {
	mu sync.Mutex

	ID      uint64
	Start   uint64
	Size    uint64
	Ashift  uint // sector shift; alloc/free offsets and sizes must be multiples of 1<<Ashift
	Group   GroupView
	sm      *spacemap.SpaceMap
	kind    StrategyKind
	strat   Strategy

	free     *rangetree.Tree
	sizeTree *btree.BTreeG[sizeKey]

	allocTree [TxgRingSize]*rangetree.Tree
	freeTree  [TxgRingSize]*rangetree.Tree
	freedTree [TxgRingSize]*rangetree.Tree
	deferTree [DeferRingSize]*rangetree.Tree

	state      State
	loadCond   *sync.Cond
	condensing bool

	weight        uint64
	active        ActiveBits
	accessTxg     uint64
	prevAllocated int64

	cursors [64]uint64 // first-fit: one cursor per alignment bucket
	cfCur   uint64      // cursor-fit / new-dynamic-fit shared cursor
}

// New constructs an unloaded metaslab. sm may already be backed by an
// on-disk object (reopen) or fresh (sm.ObjectID()==0, allocated lazily on
// first sync).
func New(id uint64, shift, ashift uint, group GroupView, sm *spacemap.SpaceMap, kind StrategyKind) *Metaslab {
	ms := &Metaslab{
		ID:     id,
		Start:  id << shift,
		Size:   1 << shift,
		Ashift: ashift,
		Group:  group,
		sm:     sm,
		kind:   kind,
		strat:  strategyFor(kind),
	}
	ms.loadCond = sync.NewCond(&ms.mu)
	ms.sizeTree = btree.NewBTreeG[sizeKey](bySizeThenStart)
	ms.free = rangetree.New(rangetree.Callbacks{
		OnAdd:    func(s, e uint64) { ms.sizeTree.Set(sizeKey{e - s, s}) },
		OnRemove: func(s, e uint64) { ms.sizeTree.Delete(sizeKey{e - s, s}) },
	})
	for i := range ms.allocTree {
		ms.allocTree[i] = rangetree.New(rangetree.Callbacks{})
		ms.freeTree[i] = rangetree.New(rangetree.Callbacks{})
		ms.freedTree[i] = rangetree.New(rangetree.Callbacks{})
	}
	for i := range ms.deferTree {
		ms.deferTree[i] = rangetree.New(rangetree.Callbacks{})
	}
	return ms
}

func (ms *Metaslab) Lock()   { ms.mu.Lock() }
func (ms *Metaslab) Unlock() { ms.mu.Unlock() }

func (ms *Metaslab) State() State       { return ms.state }
func (ms *Metaslab) Weight() uint64     { return ms.weight }
func (ms *Metaslab) Active() ActiveBits { return ms.active }
func (ms *Metaslab) AccessTxg() uint64  { return ms.accessTxg }
func (ms *Metaslab) Condensing() bool   { return ms.condensing }
func (ms *Metaslab) FreeSpace() uint64  { ms.mu.Lock(); defer ms.mu.Unlock(); return ms.free.Space() }
func (ms *Metaslab) SpaceMap() *spacemap.SpaceMap { return ms.sm }

// Fragmented reports whether ms is fragmented under its own strategy's
// predicate (spec.md §4.3 strategy table, "fragmented" column); used by
// the owning group/class to steer preload and reporting toward
// metaslabs whose strategy considers them low-quality.
func (ms *Metaslab) Fragmented() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.strat.Fragmented(ms)
}

// CheckFree is the authoritative half of spec.md §4.6's check_free
// assertion: true if any copy of [off,off+size) lies in the live free
// tree, any per-txg free[t] staging tree, or either defer-ring tree. A
// caller (package alloc) is expected to gate this behind a cheap cuckoo
// filter fast-reject, since walking every tree on every check would
// otherwise put a btree lookup per tree on the hot path.
func (ms *Metaslab) CheckFree(off, size uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.free.Contains(off, size) {
		return true
	}
	for i := range ms.freeTree {
		if ms.freeTree[i].Contains(off, size) {
			return true
		}
	}
	for i := range ms.deferTree {
		if ms.deferTree[i].Contains(off, size) {
			return true
		}
	}
	return false
}

// Load replays the space map into the free tree. Safe to call repeatedly;
// a concurrent Load blocks on the load condition variable until the first
// one completes (spec.md §4.3).
func (ms *Metaslab) Load() error {
	ms.mu.Lock()
	for ms.state == Loading {
		ms.loadCond.Wait()
	}
	if ms.state == Loaded {
		ms.mu.Unlock()
		return nil
	}
	ms.state = Loading
	ms.mu.Unlock()

	freshSize := btree.NewBTreeG[sizeKey](bySizeThenStart)
	fresh := rangetree.New(rangetree.Callbacks{
		OnAdd:    func(s, e uint64) { freshSize.Set(sizeKey{e - s, s}) },
		OnRemove: func(s, e uint64) { freshSize.Delete(sizeKey{e - s, s}) },
	})
	cmn.AssertNoErr(fresh.Add(ms.Start, ms.Size))
	var err error
	if ms.sm.ObjectID() != 0 {
		err = ms.sm.Load(fresh, spacemap.SenseFree)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err != nil {
		ms.state = Unloaded
		ms.loadCond.Broadcast()
		return cmn.WrapIoErr(err, "load metaslab %d", ms.ID)
	}
	ms.free = fresh
	ms.sizeTree = freshSize
	ms.state = Loaded
	glog.V(4).Infof("metaslab %d loaded: %d free bytes in %d segments", ms.ID, ms.free.Space(), ms.free.Len())
	ms.loadCond.Broadcast()
	return nil
}

// Unload drops the in-core free tree, retaining only the on-disk space map.
// The metaslab must not be active; callers (the owning group) are
// responsible for passivating first.
func (ms *Metaslab) Unload() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state != Loaded || ms.active != ActiveNone {
		return
	}
	ms.free.Vacate(nil)
	ms.sizeTree = btree.NewBTreeG[sizeKey](bySizeThenStart)
	ms.free = rangetree.New(rangetree.Callbacks{
		OnAdd:    func(s, e uint64) { ms.sizeTree.Set(sizeKey{e - s, s}) },
		OnRemove: func(s, e uint64) { ms.sizeTree.Delete(sizeKey{e - s, s}) },
	})
	ms.state = Unloaded
}
