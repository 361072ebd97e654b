// Package alloc is the allocator's public facade: Alloc, Free, Claim and
// CheckFree (spec.md §4.3/§7), each taking or returning a DVA -- the
// (vdev, offset, size) triple identifying a physical extent, mirroring
// ZFS's data virtual address. It owns the multi-copy fault-spreading
// rotor walk (spec.md §8 scenarios 5-6: replicas land on distinct vdevs,
// falling back to a relaxed distance requirement rather than failing
// outright when the pool is too small to keep full separation).
package alloc

import (
	"fmt"
	"sync"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/mclass"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/mgroup"
	"github.com/NVIDIA/aismetaslab/vdev"
)

// DVA (device virtual address) locates one physical extent: vdev id,
// device-relative byte offset, and length. Gang marks an extent as
// itself being a gang block -- a block of DVAs rather than data,
// spec.md's fallback for allocations too fragmented to satisfy with a
// single extent (Non-goal: gang-block splitting itself is not
// implemented here, but the flag is threaded through so a caller can).
type DVA struct {
	VdevID uint64
	Offset uint64
	Size   uint64
	Gang   bool
}

// Allocator is the pool-wide entry point layered over one mclass.Class
// and its member mgroup.Groups.
type Allocator struct {
	mu      sync.Mutex
	class   *mclass.Class
	devices *vdev.DeviceSet
	groups  map[uint64]*mgroup.Group // vdev id -> its group

	// allocFilter is a probabilistic "currently allocated by us" set,
	// populated on Alloc and cleared on Free, giving CheckFree a cheap
	// fast-reject before paying for an authoritative tree walk (spec.md §6
	// cuckoo-filter fast-reject path).
	allocFilter *cuckoo.Filter
}

func New(class *mclass.Class, devices *vdev.DeviceSet) *Allocator {
	return &Allocator{
		class:       class,
		devices:     devices,
		groups:      make(map[uint64]*mgroup.Group),
		allocFilter: cuckoo.NewFilter(1 << 20),
	}
}

// RegisterGroup associates a vdev id with the group that owns its
// metaslabs, so Free/Claim/CheckFree can map a DVA back to the owning
// metaslab.
func (a *Allocator) RegisterGroup(vdevID uint64, g *mgroup.Group) {
	a.mu.Lock()
	a.groups[vdevID] = g
	a.mu.Unlock()
}

func filterKey(vdevID, offset uint64) []byte {
	return []byte(fmt.Sprintf("%d:%d", vdevID, offset))
}

// Alloc reserves psize bytes on nCopies distinct vdevs (spec.md §8
// scenario 5: one rotor, many groups, replicas spread across them).
// If the pool has fewer allocatable vdevs than nCopies, the distance
// requirement is relaxed one vdev at a time (scenario 6) rather than
// failing immediately; on any failure already-reserved copies are rolled
// back.
func (a *Allocator) Alloc(psize uint64, nCopies int, txg uint64) ([]DVA, error) {
	if nCopies <= 0 {
		return nil, cmn.InvalidErr("n_copies must be positive, got %d", nCopies)
	}
	excluded := make(map[uint64]bool, nCopies)
	dvas := make([]DVA, 0, nCopies)

	for c := 0; c < nCopies; c++ {
		vdevID, off, err := a.class.Alloc(psize, txg, excluded)
		if err == cmn.ErrNoSpace && len(excluded) > 0 {
			relaxed := make(map[uint64]bool, len(excluded))
			skip := true
			for id := range excluded {
				if skip {
					skip = false
					continue
				}
				relaxed[id] = true
			}
			vdevID, off, err = a.class.Alloc(psize, txg, relaxed)
		}
		if err != nil {
			a.rollback(dvas, txg)
			return nil, err
		}
		a.allocFilter.InsertUnique(filterKey(vdevID, off))
		dvas = append(dvas, DVA{VdevID: vdevID, Offset: off, Size: psize})
		excluded[vdevID] = true
	}
	return dvas, nil
}

func (a *Allocator) rollback(dvas []DVA, txg uint64) {
	for _, d := range dvas {
		ms, err := a.lookup(d.VdevID, d.Offset)
		if err != nil {
			continue
		}
		_ = ms.Free(d.Offset, d.Size, txg, true)
		a.allocFilter.Delete(filterKey(d.VdevID, d.Offset))
	}
}

// Free stages a release of every extent in dvas for txg, through the
// normal defer pipeline (spec.md §4.3).
func (a *Allocator) Free(dvas []DVA, txg uint64) error {
	for _, d := range dvas {
		ms, err := a.lookup(d.VdevID, d.Offset)
		if err != nil {
			return err
		}
		if err := ms.Free(d.Offset, d.Size, txg, false); err != nil {
			return err
		}
		a.allocFilter.Delete(filterKey(d.VdevID, d.Offset))
	}
	return nil
}

// Claim replays one intent-log entry for dva (spec.md §4.6/§8 scenario
// 7): pass txg==0 for a dry run that only verifies dva is currently in
// the owning metaslab's free tree, with no side effects; pass the real
// txg to commit, which additionally activates the metaslab's secondary
// and removes the extent from the free tree into alloc[t]. Returns
// (false, nil), not an error, if the extent is not currently free -- the
// replay found a block that is already allocated (for example one that
// was already claimed).
func (a *Allocator) Claim(dva DVA, txg uint64) (bool, error) {
	ms, err := a.lookup(dva.VdevID, dva.Offset)
	if err != nil {
		return false, err
	}
	allocated, err := ms.Claim(dva.Offset, dva.Size, txg)
	if err != nil {
		return false, err
	}
	if allocated && txg != 0 {
		a.allocFilter.InsertUnique(filterKey(dva.VdevID, dva.Offset))
	}
	return allocated, nil
}

// CheckFree is spec.md §4.6's check_free debugging assertion: true if no
// copy of dva lies in the live free tree nor in any free or defer tree
// of its owning metaslab. The cuckoo filter is consulted first purely as
// a fast-reject -- a negative answer there means dva was never one of
// this process's own live allocations and the authoritative walk is
// skipped; a positive answer only means "maybe", so it falls through to
// metaslab.Metaslab.CheckFree's tree walk, whose result is negated (that
// method reports true when the extent IS in one of those trees).
func (a *Allocator) CheckFree(dva DVA) bool {
	if !a.allocFilter.Lookup(filterKey(dva.VdevID, dva.Offset)) {
		return false
	}
	ms, err := a.lookup(dva.VdevID, dva.Offset)
	if err != nil {
		return false
	}
	return !ms.CheckFree(dva.Offset, dva.Size)
}

// lookup maps a DVA back to the metaslab that owns its offset: vdev ->
// MsShift gives the metaslab id, the vdev's group gives the instance.
func (a *Allocator) lookup(vdevID, offset uint64) (*metaslab.Metaslab, error) {
	a.mu.Lock()
	g, ok := a.groups[vdevID]
	a.mu.Unlock()
	if !ok {
		return nil, cmn.InvalidErr("unknown vdev %d", vdevID)
	}
	v, ok := a.devices.Get(vdevID)
	if !ok {
		return nil, cmn.InvalidErr("vdev %d not in device set", vdevID)
	}
	msID := offset >> v.MsShift
	ms, ok := g.Get(msID)
	if !ok {
		return nil, cmn.InvalidErr("vdev %d has no metaslab %d (offset %d)", vdevID, msID, offset)
	}
	return ms, nil
}
