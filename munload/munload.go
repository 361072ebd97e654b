// Package munload implements the idle-metaslab unload scheduler spec.md
// §4.3 calls for: a loaded-but-inactive metaslab whose free tree hasn't
// been touched in cmn.Config.UnloadDelay txgs gets its in-core free tree
// dropped, retaining only the on-disk space map. Grounded in the
// teacher's lru package: a container/heap priority queue ordered oldest
// (least-recently-touched) first, swept incrementally rather than
// rescanned from scratch, handed off to a bounded worker pool rather than
// unloaded synchronously on the sweep goroutine.
package munload

import (
	"container/heap"
	"sync"

	"github.com/golang/glog"

	"github.com/NVIDIA/aismetaslab/cmn"
	"github.com/NVIDIA/aismetaslab/metaslab"
	"github.com/NVIDIA/aismetaslab/xworker"
)

type entry struct {
	ms    *metaslab.Metaslab
	index int
}

// byAccessTxg is a min-heap on the metaslab's last-access txg: the
// least-recently-touched metaslab sorts first, exactly mirroring the
// teacher's LRU heap ordered oldest-atime-first.
type byAccessTxg []*entry

func (h byAccessTxg) Len() int            { return len(h) }
func (h byAccessTxg) Less(i, j int) bool  { return h[i].ms.AccessTxg() < h[j].ms.AccessTxg() }
func (h byAccessTxg) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *byAccessTxg) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *byAccessTxg) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler tracks every loaded metaslab eligible for idle unload and
// sweeps them against cmn.Config.UnloadDelay on demand (driven by the
// pool's sync loop, once per txg).
type Scheduler struct {
	mu      sync.Mutex
	byID    map[uint64]*entry
	heap    byAccessTxg
	pool    *xworker.Pool
}

func NewScheduler(pool *xworker.Pool) *Scheduler {
	return &Scheduler{
		byID: make(map[uint64]*entry),
		pool: pool,
	}
}

// Track registers ms for idle-unload consideration; a no-op if already
// tracked.
func (s *Scheduler) Track(ms *metaslab.Metaslab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ms.ID]; ok {
		return
	}
	e := &entry{ms: ms}
	s.byID[ms.ID] = e
	heap.Push(&s.heap, e)
}

// Untrack drops ms from consideration (e.g. the vdev it belongs to is
// being removed).
func (s *Scheduler) Untrack(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, id)
}

// Sweep pops the oldest-touched tracked metaslabs and submits an Unload
// for every one idle for at least cfg.UnloadDelay txgs as of txg,
// stopping at the first one that doesn't yet qualify (everything behind
// it in the heap is even more recently touched). It returns how many
// unloads were submitted.
func (s *Scheduler) Sweep(txg uint64) int {
	cfg := cmn.GCO.Get()
	threshold := uint64(cfg.UnloadDelay)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Access txgs change after Track; restore heap order before popping.
	heap.Init(&s.heap)
	n := 0
	for s.heap.Len() > 0 {
		top := s.heap[0]
		idle := top.ms.IdleSince(txg)
		if idle < threshold {
			break
		}
		heap.Pop(&s.heap)
		delete(s.byID, top.ms.ID)
		ms := top.ms
		s.pool.Submit(func() error {
			ms.Unload()
			glog.V(4).Infof("metaslab %d unloaded after %d idle txgs", ms.ID, idle)
			return nil
		})
		n++
	}
	return n
}

// Len reports how many metaslabs are currently tracked.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
