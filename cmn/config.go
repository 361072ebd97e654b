package cmn

import (
	"sync/atomic"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the process-wide tunables from spec.md §6. It is modeled as
// a single struct constructed once at pool creation and swapped atomically
// on reload -- hot paths (strategy selection, group sort) read it without
// locks, exactly the way the teacher's cmn.GCO is read by fs/mirror/lru.
type Config struct {
	// space-map condensation
	CondensePct int // ratio threshold above which condense is profitable (default 200, min 100)

	// group / class
	MgNoallocThreshold int // percent-free below which a group is deprioritized (default 0)

	// dynamic-fit strategy
	DfAllocThreshold int64 // max segment size below which dynamic-fit switches to best-fit
	DfFreePct        int   // free-percent below which dynamic-fit switches to best-fit (default 4)

	MinAllocSize int64 // lower bound defining a "free" metaslab

	UnloadDelay  int64 // txgs a loaded-idle metaslab may remain loaded (default 2*ring_size)
	PreloadLimit int   // max metaslabs preloaded per group per reassess

	WeightFactorEnable bool // toggle the histogram weighting term

	GangBang int64 // physical size above which allocations may be forced into gang blocks for testing

	// testing-only
	DebugLoad       bool
	DebugUnload     bool
	WriteToDegraded bool
}

// DefaultConfig mirrors the defaults named in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		CondensePct:        200,
		MgNoallocThreshold: 0,
		DfAllocThreshold:   1 * MiB,
		DfFreePct:          4,
		MinAllocSize:       4 * KiB,
		UnloadDelay:        4, // 2 * len(defer ring) with D=2
		PreloadLimit:       10,
		WeightFactorEnable: true,
		GangBang:           0, // disabled unless set explicitly
	}
}

// GlobalConfigOwner is the single process-wide holder of the current
// *Config, swapped atomically on reload (ported from the teacher's
// cmn.GCO: a config that is read lock-free on every hot path and only
// ever replaced, never mutated in place).
type GlobalConfigOwner struct {
	c unsafe.Pointer // *Config
}

// GCO is the process-wide singleton, initialized with DefaultConfig().
var GCO = &GlobalConfigOwner{}

func init() {
	GCO.Put(DefaultConfig())
}

func (o *GlobalConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&o.c))
}

func (o *GlobalConfigOwner) Put(c *Config) {
	atomic.StorePointer(&o.c, unsafe.Pointer(c))
}

// Update applies fn to a copy of the current config and installs the
// result. Runtime changes are advisory: in-flight hot-path reads of the
// old *Config complete against the old values, per spec.md design note
// on global tunables.
func (o *GlobalConfigOwner) Update(fn func(c *Config)) {
	cur := o.Get()
	next := *cur
	fn(&next)
	o.Put(&next)
}

// DebugDump renders the current config as indented JSON, the way the
// teacher's `cmn.GCO` config is surfaced on a debug/admin endpoint; used
// by tests and operator tooling, never on an allocation hot path.
func (o *GlobalConfigOwner) DebugDump() string {
	b, err := jsonAPI.MarshalIndent(o.Get(), "", "  ")
	if err != nil {
		return "<config marshal error: " + err.Error() + ">"
	}
	return string(b)
}
