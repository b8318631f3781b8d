//go:build !linux && !windows

package affinity

// otherApplier is the stub used on platforms without a process-affinity
// API. The spec's Non-goals exclude such hosts entirely, but the
// orchestrator should still degrade to "affinity disabled" rather than fail
// to compile or panic.
type otherApplier struct{}

func NewApplier() Applier { return otherApplier{} }

func (otherApplier) Supported() bool { return false }

func (otherApplier) Apply(_ int, _ Block, _ []int) Result {
	return Result{Disabled: true, Diagnostic: "affinity not supported on this platform"}
}
