// Package mclass implements the metaslab class: the rotor that walks a
// pool's metaslab groups in turn, switching groups every aliquot bytes
// allocated, and the running space counters spec.md §4.3 assigns to the
// class layer (as opposed to the per-metaslab or per-group ones).
package mclass

import (
	"sync"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/mgroup"
)

// Class is one allocation class's rotor (e.g. "normal" data vs "log" vs
// "special" in a fuller multi-class pool; a deployment with a single
// class still goes through this type so the facade in package alloc has
// one uniform entry point).
type Class struct {
	mu sync.Mutex

	groups  []*mgroup.Group
	rotor   int
	aliquot int64 // bytes allocated from one group before the rotor advances
	since   int64

	deferred int64
}

// DefaultAliquot mirrors ZFS's traditional 512KiB metaslab-class rotor
// quantum: large enough to amortize group-switch overhead, small enough
// to spread writes across vdevs for fault tolerance.
const DefaultAliquot = 512 * cmn.KiB

func New() *Class {
	return &Class{aliquot: DefaultAliquot}
}

func (c *Class) AddGroup(g *mgroup.Group) {
	c.mu.Lock()
	c.groups = append(c.groups, g)
	c.mu.Unlock()
}

func (c *Class) Groups() []*mgroup.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*mgroup.Group, len(c.groups))
	copy(out, c.groups)
	return out
}

// AllocGroups reports how many member groups are intrinsically
// allocatable (spec.md §4.5 "alloc_groups"). Recomputed on demand rather
// than maintained as an incremental counter across group transitions --
// simpler, and behaviorally equivalent since the group set and its
// capacity change far less often than allocations are issued.
func (c *Class) AllocGroups() int {
	c.mu.Lock()
	groups := append([]*mgroup.Group(nil), c.groups...)
	c.mu.Unlock()
	n := 0
	for _, g := range groups {
		if g.IntrinsicAllocatable() {
			n++
		}
	}
	return n
}

// Space sums FreeCapacity across every allocatable group.
func (c *Class) Space() uint64 {
	c.mu.Lock()
	groups := append([]*mgroup.Group(nil), c.groups...)
	c.mu.Unlock()
	allocGroups := c.AllocGroups()
	var total uint64
	for _, g := range groups {
		if g.Allocatable(allocGroups) {
			total += g.FreeCapacity()
		}
	}
	return total
}

func (c *Class) Deferred() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred
}

// ApplySyncDelta folds a metaslab's sync_done deferred-bytes delta into
// the class total; allocated-bytes deltas are tracked per-group
// (mgroup.Group.ApplySyncDelta) since allocation is always attributed to
// one vdev.
func (c *Class) ApplySyncDelta(deferDelta int64) {
	c.mu.Lock()
	c.deferred += deferDelta
	c.mu.Unlock()
}

// candidate pairs a metaslab with the group that owns it, because
// Group.Best returns bare metaslabs but the rotor needs to skip back to
// the group for activation bookkeeping and the excluded-group set a
// multi-copy caller passes in.
type candidate struct {
	group *mgroup.Group
	ms    *metaslab.Metaslab
}

// Alloc walks the rotor starting at the current group, skipping any
// group whose id is in exclude (the multi-copy fault-spreading caller in
// package alloc uses this to keep replicas apart), activates the
// highest-weight metaslab in the first allocatable group it finds, and
// allocates size bytes from it. On success it returns which vdev (group)
// served the request and advances the rotor once since >= aliquot bytes
// have been handed out from the current group.
func (c *Class) Alloc(size uint64, txg uint64, exclude map[uint64]bool) (vdevID, offset uint64, err error) {
	c.mu.Lock()
	groups := append([]*mgroup.Group(nil), c.groups...)
	n := len(groups)
	start := c.rotor
	c.mu.Unlock()

	if n == 0 {
		return 0, 0, cmn.ErrNoSpace
	}
	allocGroups := c.AllocGroups()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		g := groups[idx]
		if exclude[g.VdevID] || !g.Allocatable(allocGroups) {
			continue
		}
		off, ok, allocErr := tryGroup(g, size, txg)
		if allocErr != nil {
			return 0, 0, allocErr
		}
		if !ok {
			continue
		}
		c.mu.Lock()
		c.since += int64(size)
		if c.since >= c.aliquot {
			c.rotor = (idx + 1) % n
			c.since = 0
		} else {
			c.rotor = idx
		}
		c.mu.Unlock()
		return g.VdevID, off, nil
	}
	return 0, 0, cmn.ErrNoSpace
}

// tryGroup activates and allocates from the best few candidates in g,
// so one nearly-full metaslab doesn't make the whole group appear
// exhausted.
func tryGroup(g *mgroup.Group, size uint64, txg uint64) (offset uint64, ok bool, err error) {
	cands := g.Best(4)
	for _, ms := range cands {
		if err := ms.Activate(false); err != nil {
			continue
		}
		off, allocErr := ms.Alloc(size, txg)
		if allocErr == nil {
			return off, true, nil
		}
		if allocErr != cmn.ErrNoSpace && allocErr != cmn.ErrBusy {
			return 0, false, allocErr
		}
	}
	return 0, false, nil
}
