package metaslab

import "github.com/NVIDIA/aismetaslab/cmn"

type StrategyKind int

const (
	FirstFit StrategyKind = iota
	DynamicFit
	CursorFit
	NewDynamicFit
)

func (k StrategyKind) String() string {
	switch k {
	case FirstFit:
		return "first-fit"
	case DynamicFit:
		return "dynamic-fit"
	case CursorFit:
		return "cursor-fit"
	case NewDynamicFit:
		return "new-dynamic-fit"
	default:
		return "unknown"
	}
}

// Strategy picks an offset for an allocation of size bytes out of ms's
// free tree (spec.md §4.3, "allocation strategies"). Implementations must
// only be called with ms already locked and loaded.
type Strategy interface {
	Alloc(ms *Metaslab, size uint64) (offset uint64, ok bool)
	// Fragmented reports whether ms, under this strategy, should be
	// considered fragmented -- a per-strategy predicate (spec.md §4.3's
	// strategy table, "fragmented" column) fed into fragmentation-aware
	// weighting/reporting above this package.
	Fragmented(ms *Metaslab) bool
}

func strategyFor(kind StrategyKind) Strategy {
	switch kind {
	case FirstFit:
		return firstFitStrategy{}
	case DynamicFit:
		return dynamicFitStrategy{}
	case CursorFit:
		return cursorFitStrategy{}
	case NewDynamicFit:
		return newDynamicFitStrategy{}
	default:
		return firstFitStrategy{}
	}
}

// clumpShift biases new-dynamic-fit's fallback search toward segments no
// smaller than size*2^clumpShift when one is available, trading a larger
// allocation footprint for less fragmentation of small free segments.
const clumpShift = 4

// alignBucket buckets a request size by its trailing-zero count, giving
// first-fit one cursor per power-of-two alignment class so that
// same-sized allocations naturally pack together (spec.md §4.3).
func alignBucket(size uint64) int {
	if size == 0 {
		return 0
	}
	b := 0
	for size&1 == 0 && b < 63 {
		size >>= 1
		b++
	}
	return b
}

// scanFrom walks ms.free starting at cursor looking for a segment that can
// satisfy size, wrapping once to the start of the metaslab if the forward
// scan reaches the end without success.
func scanFrom(ms *Metaslab, cursor, size uint64) (offset uint64, ok bool) {
	found := false
	var at uint64
	ms.free.WalkFrom(cursor, func(s, e uint64) bool {
		lo := s
		if lo < cursor {
			lo = cursor
		}
		if e-lo >= size {
			at, found = lo, true
			return false
		}
		return true
	})
	if found {
		return at, true
	}
	if cursor == ms.Start {
		return 0, false
	}
	found = false
	ms.free.WalkFrom(ms.Start, func(s, e uint64) bool {
		if s >= cursor {
			return false
		}
		if e-s >= size {
			at, found = s, true
			return false
		}
		return true
	})
	return at, found
}

type firstFitStrategy struct{}

func (firstFitStrategy) Alloc(ms *Metaslab, size uint64) (uint64, bool) {
	bucket := alignBucket(size)
	off, ok := scanFrom(ms, ms.cursors[bucket], size)
	if !ok {
		return 0, false
	}
	ms.cursors[bucket] = off + size
	return off, true
}

// Fragmented: first-fit never tracks segment quality, so it reports
// fragmented unconditionally (spec.md §4.3 strategy table: "Always
// true").
func (firstFitStrategy) Fragmented(*Metaslab) bool { return true }

type dynamicFitStrategy struct{}

func (dynamicFitStrategy) Alloc(ms *Metaslab, size uint64) (uint64, bool) {
	cfg := cmn.GCO.Get()
	freePct := int64(0)
	if ms.Size > 0 {
		freePct = int64(ms.free.Space() * 100 / ms.Size)
	}
	if int64(ms.maxFreeSegment()) >= cfg.DfAllocThreshold && freePct >= int64(cfg.DfFreePct) {
		bucket := alignBucket(size)
		off, ok := scanFrom(ms, ms.cursors[bucket], size)
		if ok {
			ms.cursors[bucket] = off + size
			return off, true
		}
	}
	return bestFit(ms, size)
}

// Fragmented: dynamic-fit considers ms fragmented under exactly the
// condition that makes Alloc fall back to best-fit (spec.md §4.3:
// "max_seg < alloc_threshold OR free_pct < free_pct_threshold").
func (dynamicFitStrategy) Fragmented(ms *Metaslab) bool {
	cfg := cmn.GCO.Get()
	freePct := int64(0)
	if ms.Size > 0 {
		freePct = int64(ms.free.Space() * 100 / ms.Size)
	}
	return int64(ms.maxFreeSegment()) < cfg.DfAllocThreshold || freePct < int64(cfg.DfFreePct)
}

func bestFit(ms *Metaslab, size uint64) (uint64, bool) {
	var offset uint64
	found := false
	ms.sizeTree.Ascend(sizeKey{length: size}, func(k sizeKey) bool {
		offset, found = k.start, true
		return false
	})
	return offset, found
}

type cursorFitStrategy struct{}

func (cursorFitStrategy) Alloc(ms *Metaslab, size uint64) (uint64, bool) {
	if ms.free.Contains(ms.cfCur, size) {
		off := ms.cfCur
		ms.cfCur += size
		return off, true
	}
	max := ms.maxFreeSegment()
	if max == 0 || max < size {
		return 0, false
	}
	k, ok := ms.sizeTree.Max()
	if !ok || k.length < size {
		return 0, false
	}
	ms.cfCur = k.start + size
	return k.start, true
}

// Fragmented: cursor-fit considers ms fragmented once its largest
// segment drops below the floor defining a "free" metaslab (spec.md
// §4.3: "max_segment < min_alloc_size").
func (cursorFitStrategy) Fragmented(ms *Metaslab) bool {
	cfg := cmn.GCO.Get()
	return int64(ms.maxFreeSegment()) < cfg.MinAllocSize
}

type newDynamicFitStrategy struct{}

// ndfSearchCeiling returns the by-size fallback search floor spec.md
// §4.3 specifies for new-dynamic-fit: "the smallest segment >=
// min(max_segment, size * 2^clump_shift)" -- capped at the largest
// segment actually available, never searched for uncapped.
func ndfSearchCeiling(ms *Metaslab, size uint64) uint64 {
	return cmn.MinU64(ms.maxFreeSegment(), size<<clumpShift)
}

func (newDynamicFitStrategy) Alloc(ms *Metaslab, size uint64) (uint64, bool) {
	if off, ok := scanFrom(ms, ms.cfCur, size); ok {
		ms.cfCur = off + size
		return off, true
	}
	need := ndfSearchCeiling(ms, size)
	if need < size {
		return 0, false
	}
	var offset uint64
	found := false
	ms.sizeTree.Ascend(sizeKey{length: need}, func(k sizeKey) bool {
		offset, found = k.start, true
		return false
	})
	if found {
		ms.cfCur = offset + size
	}
	return offset, found
}

// Fragmented: new-dynamic-fit considers ms fragmented once its largest
// segment no longer clears the clump ceiling used by the fallback search
// (spec.md §4.3: "max_segment <= min_alloc_size * 2^clump_shift").
func (newDynamicFitStrategy) Fragmented(ms *Metaslab) bool {
	cfg := cmn.GCO.Get()
	ceiling := cfg.MinAllocSize << clumpShift
	return int64(ms.maxFreeSegment()) <= ceiling
}
