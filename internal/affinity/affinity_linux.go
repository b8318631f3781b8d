//go:build linux

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// linuxApplier sets affinity via sched_setaffinity. Linux has no processor
// group concept, so the fallback/crossed-groups path never triggers here; it
// exists purely to satisfy the Applier interface uniformly across platforms.
type linuxApplier struct{}

// NewApplier returns the platform's Applier.
func NewApplier() Applier { return linuxApplier{} }

func (linuxApplier) Supported() bool { return true }

func (linuxApplier) Apply(pid int, block Block, _ []int) Result {
	if len(block.CPUs) == 0 {
		return Result{Diagnostic: "empty affinity block"}
	}

	var set unix.CPUSet
	set.Zero()
	for _, c := range block.CPUs {
		set.Set(c)
	}

	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return Result{Diagnostic: fmt.Sprintf("sched_setaffinity failed: %v", err)}
	}
	return Result{Applied: true, Block: block}
}
