// Package affinity plans per-worker CPU affinity blocks from a topology and
// applies them to live child processes, with Windows processor-group
// fallback behavior.
package affinity

import "github.com/stmpo/render-orchestrator/internal/topology"

// Block is the ordered set of CPU ids assigned to one worker.
type Block struct {
	CPUs []int
}

// Group returns the Windows processor group this block's first CPU id falls
// in, or -1 for an empty block. For a block that does not cross groups this
// is the group of every CPU in it.
func (b Block) Group() int {
	if len(b.CPUs) == 0 {
		return -1
	}
	return b.CPUs[0] / topology.ProcGroupSize
}

// CrossesGroups reports whether this block spans more than one Windows
// processor group, which the affinity APIs disallow.
func (b Block) CrossesGroups() bool {
	if len(b.CPUs) == 0 {
		return false
	}
	min, max := b.CPUs[0], b.CPUs[0]
	for _, c := range b.CPUs[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	return max/topology.ProcGroupSize != min/topology.ProcGroupSize
}

// Plan concatenates all pool CPUs in pool order into one flat list of T CPU
// ids, then deals them into n contiguous slices: the first (T mod n) slices
// get ceil(T/n) CPUs, the rest get floor(T/n). Any slice that would be empty
// instead receives a single CPU (the last one in the flat list), tolerating
// over-subscription. Plan always returns exactly n blocks (n <= 0 yields
// none), each non-empty, provided at least one pool has at least one CPU.
func Plan(n int, pools []topology.CpuPool) []Block {
	if n <= 0 {
		return nil
	}

	var flat []int
	for _, p := range pools {
		flat = append(flat, p.CPUs...)
	}
	total := len(flat)
	if total == 0 {
		return nil
	}

	base := total / n
	extra := total % n

	blocks := make([]Block, n)
	cur := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		if size == 0 {
			// over-subscription: no CPUs remain for this slice, so hand it
			// the last CPU in the flat list rather than leaving it empty.
			blocks[i] = Block{CPUs: []int{flat[total-1]}}
			continue
		}
		blocks[i] = Block{CPUs: append([]int(nil), flat[cur:cur+size]...)}
		cur += size
	}
	return blocks
}

// Result describes what actually happened when applying a planned block to
// a live process.
type Result struct {
	Applied       bool
	Block         Block // the block that was actually applied, possibly narrowed by fallback
	Disabled      bool  // true if the caller should globally disable affinity for remaining spawns
	Diagnostic    string
	CrossedGroups bool
}

// Applier sets CPU affinity on a live process, hiding per-OS calls behind a
// narrow interface. A stub implementation is used on platforms without a
// native affinity API.
type Applier interface {
	// Apply attempts to pin pid to block. allowedCPUs is the parent
	// process's currently-allowed CPU set, used for Windows processor-group
	// fallback when block crosses group boundaries.
	Apply(pid int, block Block, allowedCPUs []int) Result

	// Supported reports whether this platform has a usable affinity API.
	Supported() bool
}
