// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Usage is a raw reading of the three monitored resources.
type Usage struct {
	// MemoryBytes is heap memory currently allocated by the process.
	MemoryBytes int64

	// CPUPercent is process CPU usage over the sampling window, 0-100 per
	// core (can exceed 100 on multicore).
	CPUPercent float64

	// DiskBytes is bytes used on the filesystem holding the work directory.
	DiskBytes int64

	// Goroutines is the current goroutine count, recorded for diagnostics.
	Goroutines int
}

// Probe samples raw resource usage. The monitor owns exactly one probe;
// tests substitute a deterministic one.
type Probe interface {
	Sample() (Usage, error)
}

// processProbe reads usage from the running process and filesystem.
//
// CPU percentage is derived from rusage CPU-time deltas between consecutive
// samples, so the first sample always reports 0.
type processProbe struct {
	workDir string

	lastCPUTime time.Duration
	lastWall    time.Time
}

// NewProcessProbe creates a probe for the running process.
//
// Inputs:
//
//	workDir - Directory whose filesystem is measured for disk usage.
//	          If empty, disk usage is reported as 0.
//
// Outputs:
//
//	Probe - The process probe. Never nil.
func NewProcessProbe(workDir string) Probe {
	return &processProbe{workDir: workDir}
}

// Sample reads memory, CPU, and disk usage.
func (p *processProbe) Sample() (Usage, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	u := Usage{
		MemoryBytes: int64(mem.Alloc),
		Goroutines:  runtime.NumGoroutine(),
	}

	if cpu, err := processCPUTime(); err == nil {
		now := time.Now()
		if !p.lastWall.IsZero() {
			wall := now.Sub(p.lastWall)
			if wall > 0 {
				u.CPUPercent = float64(cpu-p.lastCPUTime) / float64(wall) * 100
			}
		}
		p.lastCPUTime = cpu
		p.lastWall = now
	}

	if p.workDir != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(p.workDir, &st); err == nil {
			used := (st.Blocks - st.Bfree) * uint64(st.Bsize)
			u.DiskBytes = int64(used)
		}
	}

	return u, nil
}

// processCPUTime returns user+system CPU time consumed by the process.
func processCPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys, nil
}
