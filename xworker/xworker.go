// Package xworker implements the bounded worker pool used to preload
// metaslabs (package mgroup) and to unload idle ones (package munload) off
// the allocation hot path. Condensation does not use it; it runs
// synchronously inside Metaslab.Sync.
// It is grounded in the teacher's xaction registry pattern: a fixed-size
// gate of in-flight work built on cmn.LimitedWaitGroup, rather than an
// unbounded goroutine-per-task fan-out.
package xworker

import (
	"github.com/golang/glog"

	"github.com/NVIDIA/aismetaslab/cmn"
)

// Pool runs submitted tasks with at most Limit concurrently in flight.
type Pool struct {
	wg   *cmn.LimitedWaitGroup
	name string
}

// NewPool constructs a pool named for logging purposes, admitting at most
// limit concurrent tasks.
func NewPool(name string, limit int) *Pool {
	if limit <= 0 {
		limit = 1
	}
	return &Pool{wg: cmn.NewLimitedWaitGroup(limit), name: name}
}

// Submit runs task in its own goroutine once a slot is free, blocking the
// caller until one is (the same back-pressure semantics as the teacher's
// LimitedWaitGroup users in lru and mirror). Errors are logged, not
// returned -- preload and unload are best-effort background work and
// never on the critical allocation path.
func (p *Pool) Submit(task func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := task(); err != nil {
			glog.Errorf("%s: task failed: %v", p.name, err)
		}
	}()
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() { p.wg.Wait() }
