package metaslab

import "github.com/NVIDIA/aismetaslab/cmn"

// Activate marks the metaslab primary or secondary-active for its group,
// loading it first if necessary (spec.md §4.3: "activation always implies
// loaded"). A metaslab can be both primary and secondary at once across
// the two tiers of a mirrored class, so the bits are additive.
func (ms *Metaslab) Activate(secondary bool) error {
	if err := ms.Load(); err != nil {
		return err
	}
	ms.mu.Lock()
	if secondary {
		ms.active |= ActiveSecondary
	} else {
		ms.active |= ActivePrimary
	}
	ms.mu.Unlock()
	ms.RecomputeWeight()
	return nil
}

// Passivate clears the given active bit and recomputes the ordinary
// (non-active-boosted) weight so the owning group can re-sort it back
// among the passive candidates.
func (ms *Metaslab) Passivate(secondary bool) {
	ms.mu.Lock()
	if secondary {
		ms.active &^= ActiveSecondary
	} else {
		ms.active &^= ActivePrimary
	}
	ms.mu.Unlock()
	ms.RecomputeWeight()
}

// RecomputeWeight recalculates the metaslab's sort weight per spec.md
// §4.3:
//
//	weight = 2*free - (id*free)/ms_count
//	weight += histogram_factor(free_tree)   // if WeightFactorEnable
//	weight |= active_bits
//
// and reports the new value to the owning group so it can re-sort its
// weight-ordered tree.
func (ms *Metaslab) RecomputeWeight() uint64 {
	cfg := cmn.GCO.Get()

	ms.mu.Lock()
	free := ms.free.Space()
	msCount := ms.Group.MsCount()
	hist := ms.free.Histogram()
	active := ms.active
	ms.mu.Unlock()

	var w int64
	if msCount == 0 {
		w = int64(2 * free)
	} else {
		w = int64(2*free) - int64(ms.ID*free)/int64(msCount)
	}
	if w < 0 {
		w = 0
	}
	weight := uint64(w)

	if cfg.WeightFactorEnable {
		var factor uint64
		for i, count := range hist {
			// A bucket at index i holds segments of length in
			// [2^i, 2^(i+1)); each contributes proportionally to both its
			// size class and its count, rewarding metaslabs with large
			// contiguous runs over equally-free but fragmented ones
			// (spec.md §4.3: "Σ_i (i + shift) * (bucket_i << i)").
			factor += uint64(i+int(ms.Ashift)) * (count << uint(i))
		}
		weight += factor
	}
	weight |= uint64(active)

	ms.mu.Lock()
	ms.weight = weight
	ms.mu.Unlock()

	ms.Group.Reweigh(ms.ID, weight)
	return weight
}

// maxFreeSegment returns the length of the largest free segment, or 0 if
// the metaslab has no free space.
func (ms *Metaslab) maxFreeSegment() uint64 {
	if ms.sizeTree.Len() == 0 {
		return 0
	}
	k, _ := ms.sizeTree.Max()
	return k.length
}
