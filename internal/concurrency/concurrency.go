// Package concurrency chooses the worker count N from host resources and job
// hints, via gopsutil (the Go analogue of the original Python's psutil).
package concurrency

import (
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Hints are the job-supplied inputs to auto-sizing.
type Hints struct {
	// RequestedN, if >= 1, forces concurrency (Plan caps it to FrameCount).
	// If < 1, auto-sizing below is used.
	RequestedN int

	FrameCount int

	MFRDisabled       bool
	MFRThreadsHint    int
	RAMPerWorkerGB    float64
	MaxConcurrencyCap int
}

// Resources is the subset of host resources the planner needs, abstracted so
// tests don't depend on the real host.
type Resources struct {
	LogicalCPUs  int
	PhysicalCPUs int
	TotalRAMGiB  float64
}

// DetectResources reads host resources via gopsutil, falling back to the
// conservative constants spec.md §4.4 names when a probe fails.
func DetectResources() Resources {
	r := Resources{LogicalCPUs: 8, PhysicalCPUs: 8, TotalRAMGiB: 0}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		r.LogicalCPUs = n
	}
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		r.PhysicalCPUs = n
	} else {
		r.PhysicalCPUs = r.LogicalCPUs
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.TotalRAMGiB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	return r
}

const (
	defaultRAMPerWorkerGB = 8.0
	minRAMPerWorkerGB     = 4.0
	maxRAMPerWorkerGB     = 256.0
	ramSafetyMargin       = 1.25
	conservativeRAMCap    = 4
)

// Plan chooses N per spec.md §4.4.
func Plan(h Hints, res Resources) int {
	if h.RequestedN >= 1 {
		n := h.RequestedN
		if n > h.FrameCount {
			n = h.FrameCount
		}
		if n < 1 {
			n = 1
		}
		return n
	}

	per := h.RAMPerWorkerGB
	if per <= 0 {
		per = defaultRAMPerWorkerGB
	}
	if per < minRAMPerWorkerGB {
		per = minRAMPerWorkerGB
	}
	if per > maxRAMPerWorkerGB {
		per = maxRAMPerWorkerGB
	}

	var ramCap int
	if res.TotalRAMGiB <= 0 {
		ramCap = conservativeRAMCap
	} else {
		ramCap = int(math.Floor(res.TotalRAMGiB / (per * ramSafetyMargin)))
		if ramCap < 1 {
			ramCap = 1
		}
	}

	coresPerWorker := 4
	if !h.MFRDisabled {
		coresPerWorker = h.MFRThreadsHint
		if coresPerWorker < 1 {
			coresPerWorker = 1
		}
	}

	physical := res.PhysicalCPUs
	if physical < 1 {
		physical = 1
	}
	coreCap := physical / coresPerWorker
	if coreCap < 1 {
		coreCap = 1
	}

	maxCap := h.MaxConcurrencyCap
	if maxCap < 1 {
		maxCap = 1
	}

	n := min3(ramCap, coreCap, maxCap)
	if n < 1 {
		n = 1
	}
	if h.FrameCount > 0 && n > h.FrameCount {
		n = h.FrameCount
	}
	return n
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
