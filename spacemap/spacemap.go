// Package spacemap implements the append-only on-disk log of allocation and
// free records for one metaslab (spec.md §4.2). Records are packed into
// fixed-width 64-bit words:
//
//	bit 63    : type (0 = alloc, 1 = free)
//	bits 62-48: run length in sectors (15 bits, max 32767 sectors/record)
//	bits 47-0 : offset in sectors, relative to the metaslab's base
//
// A single interval longer than the 15-bit run limit is split into
// ceil(len/runMax) consecutive records, exactly as spec.md §4.2 specifies.
package spacemap

import (
	"encoding/binary"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/objstore"
	"github.com/NVIDIA/aismetaslab/rangetree"
)

type Sense int

const (
	SenseFree  Sense = iota // replaying this sense treats Alloc records as removals, Free as additions
	SenseAlloc              // reversed: Alloc records add, Free records remove
)

const (
	lenBits   = 15
	offBits   = 48
	runMaxLen = (1 << lenBits) - 1 // sectors
	typeShift = lenBits + offBits
	lenShift  = offBits
	offMask   = (uint64(1) << offBits) - 1
	lenMask   = (uint64(1) << lenBits) - 1
)

// RunMaxLen is the largest run, in sectors, a single record can encode;
// used by should_condense() to estimate a segment's best-case record
// count (spec.md §4.4).
const RunMaxLen = runMaxLen

// RecordBytes is the on-disk width of one record.
const RecordBytes = 8

type Record struct {
	IsFree bool
	Offset uint64 // sectors, relative to metaslab base
	Len    uint64 // sectors
}

func encode(r Record) uint64 {
	var w uint64
	if r.IsFree {
		w |= 1 << 63
	}
	w |= (r.Len & lenMask) << lenShift
	w |= r.Offset & offMask
	return w
}

func decode(w uint64) Record {
	return Record{
		IsFree: w>>63 != 0,
		Len:    (w >> lenShift) & lenMask,
		Offset: w & offMask,
	}
}

// SpaceMap is one metaslab's on-disk log plus its cached statistics.
type SpaceMap struct {
	store  objstore.Store
	objID  uint64
	ashift uint // vdev.ashift: log2(sector size)
	base   uint64

	allocated int64 // Σ alloc_len - Σ free_len, in bytes
	histogram [rangetree.NumBuckets]uint64
}

// New wraps an existing object (or a freshly allocated one, objID==0 means
// "not yet backed"; call EnsureObject before first Write).
func New(store objstore.Store, objID uint64, ashift uint, base uint64) *SpaceMap {
	return &SpaceMap{store: store, objID: objID, ashift: ashift, base: base}
}

func (sm *SpaceMap) ObjectID() uint64 { return sm.objID }
func (sm *SpaceMap) Allocated() int64 { return sm.allocated }

// EnsureObject allocates a backing object on first use (spec.md §4.3
// sync step 1: "if no space-map object yet, allocate one").
func (sm *SpaceMap) EnsureObject() error {
	if sm.objID != 0 {
		return nil
	}
	id, err := sm.store.Alloc()
	if err != nil {
		return cmn.WrapIoErr(err, "allocate space-map object")
	}
	sm.objID = id
	return nil
}

func (sm *SpaceMap) toSectors(offset, length uint64) (uint64, uint64) {
	return (offset - sm.base) >> sm.ashift, length >> sm.ashift
}

func (sm *SpaceMap) fromSectors(offsetSec, lenSec uint64) (uint64, uint64) {
	return sm.base + offsetSec<<sm.ashift, lenSec << sm.ashift
}

// Load replays every record into target. For sense==SenseFree (the normal
// case, reconstructing the free set) an Alloc record removes from target
// and a Free record adds; for sense==SenseAlloc the meaning is reversed
// (reconstructing the allocated set instead).
func (sm *SpaceMap) Load(target *rangetree.Tree, sense Sense) error {
	raw, err := sm.store.Read(sm.objID)
	if err != nil {
		return cmn.WrapIoErr(err, "load space map %d", sm.objID)
	}
	for i := 0; i+8 <= len(raw); i += 8 {
		rec := decode(binary.LittleEndian.Uint64(raw[i:]))
		off, length := sm.fromSectors(rec.Offset, rec.Len)
		add := rec.IsFree
		if sense == SenseAlloc {
			add = !add
		}
		if add {
			if err := target.Add(off, length); err != nil {
				return err
			}
		} else {
			if err := target.Remove(off, length); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write appends one record per interval of source, tagged with sense
// (SenseAlloc writes Alloc records, SenseFree writes Free records).
func (sm *SpaceMap) Write(source *rangetree.Tree, sense Sense) error {
	if err := sm.EnsureObject(); err != nil {
		return err
	}
	cur, err := sm.store.Read(sm.objID)
	if err != nil {
		return cmn.WrapIoErr(err, "read space map %d before append", sm.objID)
	}
	offset := int64(len(cur))
	buf := make([]byte, 0, 64)
	var walkErr error
	source.Walk(func(start, end uint64) bool {
		offSec, lenSec := sm.toSectors(start, end-start)
		for lenSec > 0 {
			run := lenSec
			if run > runMaxLen {
				run = runMaxLen
			}
			word := encode(Record{IsFree: sense == SenseFree, Offset: offSec, Len: run})
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], word)
			buf = append(buf, b[:]...)
			if sense == SenseFree {
				sm.allocated -= int64(run << sm.ashift)
			} else {
				sm.allocated += int64(run << sm.ashift)
			}
			offSec += run
			lenSec -= run
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if len(buf) == 0 {
		return nil
	}
	if err := sm.store.Write(sm.objID, offset, buf); err != nil {
		return cmn.WrapIoErr(err, "write space map %d", sm.objID)
	}
	return nil
}

// Truncate discards all records, used by condensation (spec.md §4.4 step
// 3) before rewriting the minimal representation.
func (sm *SpaceMap) Truncate() error {
	if sm.objID == 0 {
		return nil
	}
	if err := sm.store.Truncate(sm.objID); err != nil {
		return cmn.WrapIoErr(err, "truncate space map %d", sm.objID)
	}
	sm.allocated = 0
	sm.HistogramClear()
	return nil
}

// Size returns the current on-disk encoded size in bytes, used by
// should_condense() (spec.md §4.4).
func (sm *SpaceMap) Size() (int64, error) {
	raw, err := sm.store.Read(sm.objID)
	if err != nil {
		return 0, cmn.WrapIoErr(err, "stat space map %d", sm.objID)
	}
	return int64(len(raw)), nil
}

// HistogramAdd folds tree's size histogram into the space map's cached
// histogram (spec.md §4.2).
func (sm *SpaceMap) HistogramAdd(tree *rangetree.Tree) {
	h := tree.Histogram()
	for i := range h {
		sm.histogram[i] += h[i]
	}
}

func (sm *SpaceMap) HistogramClear() {
	sm.histogram = [rangetree.NumBuckets]uint64{}
}

func (sm *SpaceMap) Histogram() [rangetree.NumBuckets]uint64 { return sm.histogram }

// RecomputeHistogram replaces the cached histogram outright with tree's
// (used when the metaslab is loaded and sync can recompute from the
// authoritative free tree rather than folding in pipeline deltas).
func (sm *SpaceMap) RecomputeHistogram(tree *rangetree.Tree) {
	sm.histogram = tree.Histogram()
}
