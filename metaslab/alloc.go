package metaslab

import (
	"github.com/NVIDIA/aismetaslab/cmn"
)

// Alloc reserves size bytes from the metaslab's free tree and stages the
// allocation in this txg's alloc ring slot (spec.md §4.3). The metaslab
// must already be loaded (Activate does this); Alloc itself never loads.
func (ms *Metaslab) Alloc(size uint64, txg uint64) (uint64, error) {
	if size == 0 || size&((1<<ms.Ashift)-1) != 0 {
		return 0, cmn.InvalidErr("alloc size %d not a multiple of sector size", size)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.condensing {
		return 0, cmn.ErrBusy
	}
	if ms.state != Loaded {
		return 0, cmn.InvalidErr("metaslab %d not loaded", ms.ID)
	}

	off, ok := ms.strat.Alloc(ms, size)
	if !ok {
		return 0, cmn.ErrNoSpace
	}
	if err := ms.free.Remove(off, size); err != nil {
		return 0, err
	}
	ring := txg % TxgRingSize
	cmn.AssertNoErr(ms.allocTree[ring].Add(off, size))
	ms.accessTxg = txg
	return off, nil
}

// Free stages a release of [off,off+size) for txg. When now is true the
// range is returned directly to the free tree, bypassing the defer
// pipeline -- used to undo a claim-phase reservation that was never
// actually committed (spec.md §4.3, Claim's two-phase protocol).
func (ms *Metaslab) Free(off, size uint64, txg uint64, now bool) error {
	if size == 0 || off&((1<<ms.Ashift)-1) != 0 || size&((1<<ms.Ashift)-1) != 0 {
		return cmn.InvalidErr("free [%d,%d) misaligned", off, off+size)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if now {
		return ms.free.Add(off, size)
	}
	ring := txg % TxgRingSize
	return ms.freeTree[ring].Add(off, size)
}

// Claim implements the intent-log replay path (spec.md §4.6): verify
// that [off, off+size) is currently in the free tree, activate the
// metaslab secondary, then remove it from the free tree and enqueue it
// into this txg's alloc ring slot. Two-phase per spec.md: pass txg==0
// for the dry run, which only verifies and never mutates state nor
// activates anything; a caller commits by calling Claim again with the
// real txg once the dry run reports true. Returns (false, nil) if the
// range is not currently free -- the caller's intent-log replay found a
// block that is already allocated (for example already claimed).
func (ms *Metaslab) Claim(off, size uint64, txg uint64) (allocated bool, err error) {
	if size == 0 || off&((1<<ms.Ashift)-1) != 0 || size&((1<<ms.Ashift)-1) != 0 {
		return false, cmn.InvalidErr("claim [%d,%d) misaligned", off, off+size)
	}
	if err := ms.Load(); err != nil {
		return false, err
	}

	if txg == 0 {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.free.Contains(off, size), nil
	}

	if err := ms.Activate(true); err != nil {
		return false, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.free.Contains(off, size) {
		return false, nil
	}
	cmn.AssertNoErr(ms.free.Remove(off, size))
	ring := txg % TxgRingSize
	cmn.AssertNoErr(ms.allocTree[ring].Add(off, size))
	ms.accessTxg = txg
	return true, nil
}
