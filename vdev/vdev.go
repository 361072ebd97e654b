// Package vdev implements the device-layer downward collaborator spec.md
// §6 describes: per-device ashift/ms_shift/ms_count, capacity accounting,
// and the allocatable/removing/dirty bits of each device. Grounded in the teacher's
// fs.MountpathInfo/MountedFS (one real local filesystem per mountpath,
// capacity refreshed via statfs, a path digest for deterministic
// placement) -- here one VdevInfo stands in for one mountpath, and
// DeviceSet for the teacher's MountedFS.
package vdev

import (
	"os"
	"sync"
	"syscall"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/glog"
	"github.com/karrick/godirwalk"

	"github.com/NVIDIA/aismetaslab/cmn"
)

// Capacity mirrors the teacher's fs.Capacity: used/avail bytes plus the
// redundant, cheap-to-compare percent-used figure.
type Capacity struct {
	Used    uint64
	Avail   uint64
	PctUsed int32
}

// DirtyFlag marks which parts of a vdev's on-disk label need rewriting on
// next label sync (spec.md §6: "vdev.dirty(flags, ms, txg)").
type DirtyFlag uint32

const (
	DirtySpaceMap DirtyFlag = 1 << iota
	DirtyMetaslabArray
	DirtyVdevProps
)

// Info is one device slice: ashift sectors, carved into 1<<MsShift-sized
// metaslabs, MsCount of them.
type Info struct {
	ID         uint64
	Path       string // backing directory, one real local filesystem per vdev (teacher convention)
	PathDigest uint64

	Ashift  uint
	MsShift uint
	MsCount uint64

	cmu      sync.RWMutex
	capacity Capacity

	removing bool
	dirty    DirtyFlag
	dirtyTxg map[uint64]DirtyFlag
	mu       sync.Mutex
}

// New constructs a vdev slice backed by path, digesting the path the same
// way the teacher digests a mountpath (used for deterministic, sticky
// placement decisions rather than a random or round-robin one).
func New(id uint64, path string, ashift, msShift uint, msCount uint64) *Info {
	return &Info{
		ID:         id,
		Path:       path,
		PathDigest: xxhash.ChecksumString64S(path, 0),
		Ashift:     ashift,
		MsShift:    msShift,
		MsCount:    msCount,
		dirtyTxg:   make(map[uint64]DirtyFlag),
	}
}

func (v *Info) Capacity() Capacity {
	v.cmu.RLock()
	defer v.cmu.RUnlock()
	return v.capacity
}

// RefreshCapacity re-stats the backing filesystem, following the
// teacher's MountpathInfo.getCapacity(refresh=true).
func (v *Info) RefreshCapacity() (Capacity, error) {
	statfs := &syscall.Statfs_t{}
	if err := syscall.Statfs(v.Path, statfs); err != nil {
		return Capacity{}, cmn.WrapIoErr(err, "statfs vdev %d (%s)", v.ID, v.Path)
	}
	used := statfs.Blocks - statfs.Bavail
	pct := int32(0)
	if statfs.Blocks > 0 {
		pct = int32(used * 100 / statfs.Blocks)
	}
	v.cmu.Lock()
	v.capacity = Capacity{
		Used:    used * uint64(statfs.Bsize),
		Avail:   statfs.Bavail * uint64(statfs.Bsize),
		PctUsed: pct,
	}
	c := v.capacity
	v.cmu.Unlock()
	return c, nil
}

// ScanSpaceMapFootprint walks the vdev's backing directory and sums the
// on-disk size of every regular file, the cheap out-of-band way to sanity
// check space-map object accounting (objstore tracks logical bytes
// written; this is the actual bytes occupying the filesystem, used by
// label-recovery/fsck-style tooling rather than the hot allocation path).
// Grounded in the teacher's fs/walk.go use of godirwalk for fast
// directory scans without per-entry lstat syscalls.
func (v *Info) ScanSpaceMapFootprint() (uint64, error) {
	var total uint64
	err := godirwalk.Walk(v.Path, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			fi, err := os.Lstat(path)
			if err != nil {
				return nil
			}
			total += uint64(fi.Size())
			return nil
		},
	})
	if err != nil {
		return 0, cmn.WrapIoErr(err, "scan space-map footprint vdev %d (%s)", v.ID, v.Path)
	}
	return total, nil
}

func (v *Info) Removing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removing
}

func (v *Info) SetRemoving(removing bool) {
	v.mu.Lock()
	v.removing = removing
	v.mu.Unlock()
}

// Allocatable reports the device-intrinsic half of spec.md §4.5's
// eligibility predicate: not mid-removal, and with free space above
// MgNoallocThreshold. It deliberately omits the predicate's "OR
// class.alloc_groups == 0" disjunct -- that clause is a class-wide
// liveness override with no meaning at the single-device layer.
// mgroup.Group.Allocatable does not call this method; it judges a group
// by its metaslabs' free space instead.
func (v *Info) Allocatable() bool {
	if v.Removing() {
		return false
	}
	cfg := cmn.GCO.Get()
	c := v.Capacity()
	total := c.Used + c.Avail
	if total == 0 {
		return true
	}
	freePct := int(c.Avail * 100 / total)
	return freePct > cfg.MgNoallocThreshold
}

// Dirty marks flags dirty for txg -- the vdev label writer (outside this
// package's scope) rewrites whichever label sections have pending flags
// next time it runs.
func (v *Info) Dirty(flags DirtyFlag, txg uint64) {
	v.mu.Lock()
	v.dirty |= flags
	v.dirtyTxg[txg] |= flags
	v.mu.Unlock()
}

// TakeDirty returns and clears the flags accumulated for txg.
func (v *Info) TakeDirty(txg uint64) DirtyFlag {
	v.mu.Lock()
	defer v.mu.Unlock()
	flags := v.dirtyTxg[txg]
	delete(v.dirtyTxg, txg)
	return flags
}

// DeviceSet tracks every vdev in a pool, split into available and
// disabled sets, the way the teacher's MountedFS splits mountpaths. A
// plain RWMutex-guarded map stands in for the teacher's atomic.Pointer
// swap.
type DeviceSet struct {
	mu        sync.RWMutex
	available map[uint64]*Info
	disabled  map[uint64]*Info
}

func NewDeviceSet() *DeviceSet {
	return &DeviceSet{
		available: make(map[uint64]*Info),
		disabled:  make(map[uint64]*Info),
	}
}

func (ds *DeviceSet) Add(v *Info) {
	ds.mu.Lock()
	ds.available[v.ID] = v
	ds.mu.Unlock()
	glog.Infof("vdev %d (%s) added", v.ID, v.Path)
}

func (ds *DeviceSet) Disable(id uint64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if v, ok := ds.available[id]; ok {
		delete(ds.available, id)
		ds.disabled[id] = v
	}
}

func (ds *DeviceSet) Enable(id uint64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if v, ok := ds.disabled[id]; ok {
		delete(ds.disabled, id)
		ds.available[id] = v
	}
}

func (ds *DeviceSet) Get(id uint64) (*Info, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	v, ok := ds.available[id]
	return v, ok
}

func (ds *DeviceSet) Available() []*Info {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]*Info, 0, len(ds.available))
	for _, v := range ds.available {
		out = append(out, v)
	}
	return out
}

// CapStatus mirrors the teacher's fs.CapStatus pool-wide rollup.
type CapStatus struct {
	TotalUsed  uint64
	TotalAvail uint64
	PctAvg     int32
	OOS        bool // out of space
}

// RefreshAll re-stats every available vdev and rolls the results up into
// a pool-wide CapStatus, following MountedFS's capacity-refresh loop.
func (ds *DeviceSet) RefreshAll() CapStatus {
	var status CapStatus
	vdevs := ds.Available()
	var pctSum int32
	for _, v := range vdevs {
		c, err := v.RefreshCapacity()
		if err != nil {
			glog.Errorf("refresh capacity vdev %d: %v", v.ID, err)
			continue
		}
		status.TotalUsed += c.Used
		status.TotalAvail += c.Avail
		pctSum += c.PctUsed
	}
	if len(vdevs) > 0 {
		status.PctAvg = pctSum / int32(len(vdevs))
	}
	status.OOS = status.TotalAvail == 0
	return status
}
