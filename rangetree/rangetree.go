// Package rangetree implements a balanced ordered set of non-overlapping,
// coalesced half-open intervals [start, end), keyed by start.
//
// This is the leaf data structure of the metaslab allocator (spec.md §4.1):
// every metaslab's free set, and every per-txg alloc/free/defer staging
// tree, is one rangetree.Tree. The tree itself carries no notion of
// "size-ordered" lookup; instead it drives a caller-supplied callback
// bundle on every mutation, so that an owner needing a secondary,
// size-ordered view (the metaslab's free tree) can maintain it without the
// tree ever being aware of it. Plain staging trees (alloc/free/defer) pass
// a nil bundle.
//
// The ordered set itself is backed by github.com/tidwall/btree, the same
// B-tree family the teacher depends on transitively through buntdb
// (buntdb indexes its collections with exactly this package).
package rangetree

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/NVIDIA/aismetaslab/cmn"
)

// NumBuckets covers segment lengths up to 2^63; bucket i holds segments of
// length in [2^i, 2^(i+1)).
const NumBuckets = 64

type (
	// Callbacks mirrors every tree mutation to an owner-maintained
	// secondary structure (spec.md design note: "Callback-driven range
	// tree"). All three are optional; a nil bundle means "no secondary
	// view needed" (staging trees).
	Callbacks struct {
		OnAdd    func(start, end uint64)
		OnRemove func(start, end uint64)
		OnVacate func()
	}

	seg struct {
		start, end uint64
	}

	// Tree is a disjoint, coalesced set of [start,end) intervals. The
	// zero value is not usable; construct with New. Not safe for
	// concurrent use without an external lock -- per spec.md §5, the
	// metaslab lock is that external lock.
	Tree struct {
		mu        sync.Mutex // not taken by any Tree method; Space()/Histogram() read without it, relying on the external lock like every other method
		bt        *btree.BTreeG[seg]
		bytes     uint64
		histogram [NumBuckets]uint64
		cbs       Callbacks
	}
)

func byStart(a, b seg) bool { return a.start < b.start }

// New constructs an empty range tree. cbs may be the zero value.
func New(cbs Callbacks) *Tree {
	return &Tree{
		bt:  btree.NewBTreeG[seg](byStart),
		cbs: cbs,
	}
}

func bucketOf(length uint64) int {
	if length == 0 {
		return 0
	}
	b := 0
	for length > 1 {
		length >>= 1
		b++
	}
	if b >= NumBuckets {
		b = NumBuckets - 1
	}
	return b
}

// Add inserts [start, start+len), coalescing with any neighbor that shares
// an endpoint. Returns cmn.ErrInvalid-wrapped error if any part of the
// range already exists.
func (t *Tree) Add(start, length uint64) error {
	if length == 0 {
		return cmn.InvalidErr("zero-length range at %d", start)
	}
	end := start + length

	// Predecessor: the interval with the largest start <= start.
	var pred seg
	havePred := false
	t.bt.Descend(seg{start: start}, func(it seg) bool {
		pred, havePred = it, true
		return false
	})
	if havePred && pred.end > start {
		return cmn.InvalidErr("overlap: [%d,%d) intersects existing [%d,%d)", start, end, pred.start, pred.end)
	}

	// Successor: the interval with the smallest start >= start.
	var succ seg
	haveSucc := false
	t.bt.Ascend(seg{start: start}, func(it seg) bool {
		succ, haveSucc = it, true
		return false
	})
	if haveSucc && succ.start < end {
		return cmn.InvalidErr("overlap: [%d,%d) intersects existing [%d,%d)", start, end, succ.start, succ.end)
	}

	final := seg{start: start, end: end}
	if havePred && pred.end == start {
		t.removeNode(pred)
		final.start = pred.start
	}
	if haveSucc && succ.start == end {
		t.removeNode(succ)
		final.end = succ.end
	}
	t.insertNode(final)
	return nil
}

// Remove deletes [start, start+len). The range must lie entirely within a
// single existing interval; the residual zero, one, or two sub-intervals
// are re-added.
func (t *Tree) Remove(start, length uint64) error {
	if length == 0 {
		return cmn.InvalidErr("zero-length range at %d", start)
	}
	end := start + length

	var host seg
	found := false
	t.bt.Descend(seg{start: start}, func(it seg) bool {
		host, found = it, true
		return false
	})
	if !found || host.end < end || host.start > start {
		return cmn.InvalidErr("remove [%d,%d) not contained in any single segment", start, end)
	}

	t.removeNode(host)
	if host.start < start {
		t.insertNode(seg{start: host.start, end: start})
	}
	if end < host.end {
		t.insertNode(seg{start: end, end: host.end})
	}
	return nil
}

// Contains reports whether [start, start+len) lies entirely within one
// existing interval.
func (t *Tree) Contains(start, length uint64) bool {
	end := start + length
	var host seg
	found := false
	t.bt.Descend(seg{start: start}, func(it seg) bool {
		host, found = it, true
		return false
	})
	return found && host.start <= start && end <= host.end
}

// Walk performs an in-order traversal by offset; visit returning false
// stops the walk early.
func (t *Tree) Walk(visit func(start, end uint64) bool) {
	t.bt.Scan(func(it seg) bool {
		return visit(it.start, it.end)
	})
}

// WalkFrom performs an in-order traversal starting at the first segment
// whose start is >= from (used by the first-fit and new-dynamic-fit
// strategies to resume a forward scan from a cursor).
func (t *Tree) WalkFrom(from uint64, visit func(start, end uint64) bool) {
	t.bt.Ascend(seg{start: from}, func(it seg) bool {
		return visit(it.start, it.end)
	})
}

// Vacate empties the tree. If visit is non-nil it is called with every
// node before it is discarded -- the mechanism used to re-home intervals
// into another tree (e.g. condensation's transient "C" tree, or moving
// defer-ring contents into the free tree).
func (t *Tree) Vacate(visit func(start, end uint64)) {
	if visit != nil {
		t.bt.Scan(func(it seg) bool {
			visit(it.start, it.end)
			return true
		})
	}
	if t.cbs.OnRemove != nil {
		t.bt.Scan(func(it seg) bool {
			t.cbs.OnRemove(it.start, it.end)
			return true
		})
	}
	t.bt = btree.NewBTreeG[seg](byStart)
	t.bytes = 0
	t.histogram = [NumBuckets]uint64{}
	if t.cbs.OnVacate != nil {
		t.cbs.OnVacate()
	}
}

// Swap exchanges node sets with other in O(1) -- a pointer swap, not a
// deep copy. Both trees' callback bundles must already be compatible with
// their new contents; Swap does not invoke any callback.
func (t *Tree) Swap(other *Tree) {
	t.bt, other.bt = other.bt, t.bt
	t.bytes, other.bytes = other.bytes, t.bytes
	t.histogram, other.histogram = other.histogram, t.histogram
}

// Space returns the total bytes held in the tree.
func (t *Tree) Space() uint64 { return t.bytes }

// SpaceRange sums the bytes of the tree that lie within [lo, hi); a
// segment straddling either bound contributes only its overlapping part.
func (t *Tree) SpaceRange(lo, hi uint64) (bytes uint64) {
	from := lo
	t.bt.Descend(seg{start: lo}, func(it seg) bool {
		from = it.start
		return false
	})
	t.bt.Ascend(seg{start: from}, func(it seg) bool {
		if it.start >= hi {
			return false
		}
		s, e := it.start, it.end
		if s < lo {
			s = lo
		}
		if e > hi {
			e = hi
		}
		if e > s {
			bytes += e - s
		}
		return true
	})
	return
}

// Histogram returns a snapshot of the per-bucket segment-count histogram;
// bucket i counts segments of length in [2^i, 2^(i+1)).
func (t *Tree) Histogram() [NumBuckets]uint64 { return t.histogram }

// Len returns the number of disjoint segments currently held.
func (t *Tree) Len() int { return t.bt.Len() }

func (t *Tree) insertNode(s seg) {
	t.bt.Set(s)
	t.bytes += s.end - s.start
	t.histogram[bucketOf(s.end-s.start)]++
	if t.cbs.OnAdd != nil {
		t.cbs.OnAdd(s.start, s.end)
	}
}

func (t *Tree) removeNode(s seg) {
	t.bt.Delete(s)
	t.bytes -= s.end - s.start
	t.histogram[bucketOf(s.end-s.start)]--
	if t.cbs.OnRemove != nil {
		t.cbs.OnRemove(s.start, s.end)
	}
}
