//go:build windows

package affinity

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsApplier mirrors stmpo_wrapper.py's apply_group_affinity: move the
// child's main thread into the target processor group via
// SetThreadGroupAffinity (not exposed by golang.org/x/sys/windows, so it is
// resolved dynamically from kernel32.dll, same as the original's ctypes
// WinDLL lookup), then set the process mask to the group-local 64-bit mask.
// If the advanced path is unavailable, Apply falls back to the plain process
// mask; if the block crosses processor groups, Apply itself retries with the
// narrowed CPU sets described in spec.md §4.3.
type windowsApplier struct{}

func NewApplier() Applier { return windowsApplier{} }

func (windowsApplier) Supported() bool { return true }

var (
	modkernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procSetThreadGroupAffinity = modkernel32.NewProc("SetThreadGroupAffinity")
)

type groupAffinity struct {
	Mask     uint64
	Group    uint16
	Reserved [3]uint16
}

func (windowsApplier) Apply(pid int, block Block, allowedCPUs []int) Result {
	if len(block.CPUs) == 0 {
		return Result{Diagnostic: "empty affinity block"}
	}

	if block.CrossesGroups() {
		// Retry with the intersection of the block and the parent's
		// currently allowed CPUs; if empty, retry with the full allowed set.
		narrowed := intersect(block.CPUs, allowedCPUs)
		if len(narrowed) == 0 {
			narrowed = allowedCPUs
		}
		if len(narrowed) == 0 {
			return Result{
				Disabled:      true,
				CrossedGroups: true,
				Diagnostic:    "affinity block crosses processor groups and no fallback CPU set is available",
			}
		}
		fallback := Block{CPUs: narrowed}
		if fallback.CrossesGroups() {
			return Result{
				Disabled:      true,
				CrossedGroups: true,
				Diagnostic:    "fallback CPU set still crosses processor groups",
			}
		}
		res := applyWithinGroup(pid, fallback)
		res.CrossedGroups = true
		if !res.Applied {
			res.Disabled = true
		}
		return res
	}

	res := applyWithinGroup(pid, block)
	if !res.Applied {
		res.Disabled = true
	}
	return res
}

func applyWithinGroup(pid int, block Block) Result {
	group := block.Group()
	var mask uint64
	for _, c := range block.CPUs {
		mask |= 1 << uint(c%64)
	}

	if procSetThreadGroupAffinity.Find() == nil {
		tid, err := findMainThread(pid)
		if err == nil {
			h, err := windows.OpenThread(windows.THREAD_QUERY_INFORMATION|windows.THREAD_SET_INFORMATION, false, tid)
			if err == nil {
				defer windows.CloseHandle(h)
				ga := groupAffinity{Mask: mask, Group: uint16(group)}
				var prev groupAffinity
				r, _, _ := procSetThreadGroupAffinity.Call(
					uintptr(h),
					uintptr(unsafe.Pointer(&ga)),
					uintptr(unsafe.Pointer(&prev)),
				)
				if r != 0 {
					if setProcessMask(pid, mask) {
						return Result{Applied: true, Block: block}
					}
				}
			}
		}
	}

	// Fallback: plain process affinity mask (works when the host has a
	// single processor group, or the advanced path above was unavailable).
	if setProcessMask(pid, mask) {
		return Result{Applied: true, Block: block}
	}
	return Result{Diagnostic: fmt.Sprintf("SetProcessAffinityMask failed for pid %d mask=%#x", pid, mask)}
}

func setProcessMask(pid int, mask uint64) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	return windows.SetProcessAffinityMask(h, uintptr(mask)) == nil
}

// findMainThread returns the smallest thread id owned by pid, best-effort,
// same heuristic as stmpo_wrapper.py's _get_main_thread_id.
func findMainThread(pid int) (uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(snap)

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))

	var best uint32
	found := false
	if err := windows.Thread32First(snap, &te); err == nil {
		for {
			if te.OwnerProcessID == uint32(pid) {
				if !found || te.ThreadID < best {
					best = te.ThreadID
					found = true
				}
			}
			if err := windows.Thread32Next(snap, &te); err != nil {
				break
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no threads found for pid %d", pid)
	}
	return best, nil
}

func intersect(a, b []int) []int {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []int
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}
