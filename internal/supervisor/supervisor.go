// Package supervisor spawns and monitors the aerender child processes that
// render each subrange, implementing the Child Supervisor behavior from
// spec.md §4.6: PID-tagged log ingestion, periodic heartbeat, stall
// detection, and in-band failure escalation. The staggered spawn delay is
// applied by the caller (internal/orchestrator) between Start calls.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// State is a worker's position in the SpawnPending -> Running ->
// {Completed, Failed, Terminated} state machine (spec.md §4.6).
type State int

const (
	SpawnPending State = iota
	Running
	Completed
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case SpawnPending:
		return "spawn_pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// HeartbeatInterval is HEARTBEAT_SECONDS from spec.md §4.6.
	HeartbeatInterval = 15 * time.Second
	// LogSilenceTimeout is LOG_SILENCE_TIMEOUT.
	LogSilenceTimeout = 300 * time.Second
	// ZeroCPUStuckHeartbeats is ZERO_CPU_STUCK_HEARTBEATS.
	ZeroCPUStuckHeartbeats = 4
	// zeroCPUThreshold is the "≤ 0.01%" launch-stall CPU ceiling.
	zeroCPUThreshold = 0.01
	// minRuntimeForZeroCPUEscalation is "4 * HEARTBEAT_SECONDS" from spec.md
	// §4.6's zero-CPU escalation gate.
	minRuntimeForZeroCPUEscalation = 4 * HeartbeatInterval
)

var progressSignatures = []string{
	"progress:",
	"starting composition",
	"finished composition",
}

var failureSignatures = []string{
	"error code: 14",
	"unexpected error occurred while exporting",
}

// Worker supervises a single aerender subprocess.
type Worker struct {
	Index int
	Argv  []string

	Logger zerolog.Logger

	mu             sync.Mutex
	state          State
	terminalLocked bool // true once Fail/Terminate has fixed the terminal state
	cmd            *exec.Cmd
	startedAt      time.Time
	lastLogAt      time.Time
	progressSeen   bool
	zeroCPUStreak  int
	exitErr        error
	reason         string
	affinityDesc   string

	affinityApply func(pid int) // optional, set by the caller post-spawn
}

// NewWorker builds a worker for argv, not yet started.
func NewWorker(index int, argv []string, logger zerolog.Logger) *Worker {
	return &Worker{
		Index:  index,
		Argv:   argv,
		Logger: logger.With().Int("worker", index).Logger(),
		state:  SpawnPending,
	}
}

// SetAffinityHook installs a callback invoked with the child's PID right
// after it is spawned, used by the orchestrator to apply the planned CPU
// affinity block without this package depending on internal/affinity.
func (w *Worker) SetAffinityHook(fn func(pid int)) {
	w.affinityApply = fn
}

// SetAffinityDescription records a human-readable summary of the affinity
// actually applied to this worker, surfaced in heartbeat lines.
func (w *Worker) SetAffinityDescription(desc string) {
	w.mu.Lock()
	w.affinityDesc = desc
	w.mu.Unlock()
}

// AffinityDescription returns the last description set via
// SetAffinityDescription, or "none" if affinity was never applied.
func (w *Worker) AffinityDescription() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.affinityDesc == "" {
		return "none"
	}
	return w.affinityDesc
}

// Start launches the child process and begins log monitoring; heartbeats
// are driven separately by Supervise. It returns once the process has been
// spawned (not once it exits); use Wait to block for completion.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.Argv) == 0 {
		return fmt.Errorf("supervisor: empty argv for worker %d", w.Index)
	}
	cmd := exec.CommandContext(ctx, w.Argv[0], w.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		w.setState(Failed)
		return fmt.Errorf("supervisor: start worker %d: %w", w.Index, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.startedAt = time.Now()
	w.lastLogAt = w.startedAt
	w.state = Running
	w.mu.Unlock()

	if w.affinityApply != nil {
		w.affinityApply(cmd.Process.Pid)
	}

	go w.readLogs(stdout)
	return nil
}

// readLogs tags and forwards child output, tracking render-progress
// signatures for the zero-CPU stall detector and scanning every line for the
// hard-failure signatures that escalate to an immediate kill (spec.md §4.6).
func (w *Worker) readLogs(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)

		w.mu.Lock()
		w.lastLogAt = time.Now()
		for _, sig := range progressSignatures {
			if strings.Contains(lower, sig) {
				w.progressSeen = true
				break
			}
		}
		w.mu.Unlock()

		w.Logger.Info().Int("pid", w.PID()).Msg(line)

		if sig, hit := ScanFailureSignature(line); hit {
			if err := w.Fail(sig); err != nil {
				w.Logger.Debug().Err(err).Msg("supervisor: kill after detected failure signature failed, process likely already exited")
			}
		}
	}
}

// PID returns the child's process ID, or 0 if not yet started.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Reason returns the detected-failure reason set by Fail, if any.
func (w *Worker) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Wait blocks until the child exits, updating the terminal state unless Fail
// or Terminate already fixed it.
func (w *Worker) Wait() error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil {
		return fmt.Errorf("supervisor: worker %d not started", w.Index)
	}
	err := cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	if !w.terminalLocked {
		w.terminalLocked = true
		if err != nil {
			w.state = Failed
		} else {
			w.state = Completed
		}
	}
	w.mu.Unlock()
	return err
}

// ExitErr returns the error Wait returned, if any.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// ExitCode returns the child's exit code, or -1 if it has not yet exited.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.ProcessState == nil {
		return -1
	}
	return w.cmd.ProcessState.ExitCode()
}

// Terminate kills the child process for a stall, shutdown signal, or
// sibling-failure escalation, marking it Terminated rather than Failed so
// the caller can distinguish a deliberate stop from a detected failure.
// Idempotent: once a terminal state is locked in, later calls are no-ops.
func (w *Worker) Terminate() error {
	w.mu.Lock()
	if w.terminalLocked {
		w.mu.Unlock()
		return nil
	}
	w.terminalLocked = true
	w.state = Terminated
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Fail kills the child process after a hard-failure signature was detected
// in its log output, recording reason and marking the worker Failed
// (detected-failure, per the state machine in spec.md §4.6). Idempotent.
func (w *Worker) Fail(reason string) error {
	w.mu.Lock()
	if w.terminalLocked {
		w.mu.Unlock()
		return nil
	}
	w.terminalLocked = true
	w.state = Failed
	w.reason = reason
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Sample is a heartbeat's snapshot of child health.
type Sample struct {
	Index            int
	PID              int
	State            State
	CPUPercent       float64
	RSSBytes         uint64
	Runtime          time.Duration
	ExitCode         int
	LogSilentFor     time.Duration
	LogStalled       bool
	ZeroCPUStreak    int
	ProgressObserved bool
}

// Heartbeat samples CPU% (over a 50ms window, per spec.md §4.6 step 2) and
// RSS for the child, and updates the per-worker zero-CPU streak: it
// increments only while CPU stays at or below zeroCPUThreshold AND no
// render-progress signature has ever been observed on this worker's log;
// any progress signature, or CPU above the threshold, resets it to zero.
// proc may be nil if the gopsutil handle could not be obtained (e.g. the
// process just exited); CPU/RSS are then reported as zero.
func (w *Worker) Heartbeat(proc *process.Process) Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Sample{Index: w.Index, State: w.state, ExitCode: -1}
	if w.cmd != nil && w.cmd.Process != nil {
		s.PID = w.cmd.Process.Pid
	}
	if w.cmd != nil && w.cmd.ProcessState != nil {
		s.ExitCode = w.cmd.ProcessState.ExitCode()
	}
	if !w.startedAt.IsZero() {
		s.Runtime = time.Since(w.startedAt)
	}

	if proc != nil {
		if pct, err := proc.Percent(50 * time.Millisecond); err == nil {
			s.CPUPercent = pct
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			s.RSSBytes = mi.RSS
		}
	}

	if s.CPUPercent <= zeroCPUThreshold && !w.progressSeen {
		w.zeroCPUStreak++
	} else {
		w.zeroCPUStreak = 0
	}
	s.ZeroCPUStreak = w.zeroCPUStreak
	s.ProgressObserved = w.progressSeen

	s.LogSilentFor = time.Since(w.lastLogAt)
	s.LogStalled = s.LogSilentFor > LogSilenceTimeout

	return s
}

// ScanFailureSignature inspects a log line for the known hard-failure
// markers from spec.md §4.6 (aerender's own "error code: 14" and export
// failures, plus the font-missing .tif pattern).
func ScanFailureSignature(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, sig := range failureSignatures {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	if strings.Contains(lower, "could not be found") && strings.Contains(lower, ".tif") {
		return "missing font (.tif placeholder)", true
	}
	return "", false
}

// AttachProcess resolves a gopsutil handle for pid, returning nil if the
// process is no longer alive.
func AttachProcess(pid int) *process.Process {
	if pid <= 0 {
		return nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return p
}

// Supervise runs the heartbeat loop for workers until every one of them
// reaches a terminal state or ctx is cancelled, implementing spec.md §4.6's
// stall detection: per-worker log-silence termination (idempotent via a
// set of already-terminated PIDs) and the global zero-CPU launch-stall
// escalation (every still-running-without-progress worker streak >= 2 emits
// a diagnostic each heartbeat; ZeroCPUStuckHeartbeats consecutive such
// heartbeats, with the minimum runtime among those workers exceeding
// minRuntimeForZeroCPUEscalation, terminates all of them).
func Supervise(ctx context.Context, workers []*Worker, log zerolog.Logger) {
	terminatedForSilence := make(map[int]bool)
	globalZeroCPUStreak := 0
	nextHeartbeat := time.Now().Add(HeartbeatInterval)

	for {
		if allTerminal(workers) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		if now.Before(nextHeartbeat) {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		nextHeartbeat = now.Add(HeartbeatInterval)

		var samples []workerSample
		for _, w := range workers {
			if w.State() != Running {
				continue
			}
			sample := w.Heartbeat(AttachProcess(w.PID()))
			samples = append(samples, workerSample{worker: w, sample: sample})

			log.Info().
				Int("worker", sample.Index).
				Str("state", sample.State.String()).
				Dur("runtime", sample.Runtime).
				Float64("cpu_percent", sample.CPUPercent).
				Uint64("rss_bytes", sample.RSSBytes).
				Str("affinity", w.AffinityDescription()).
				Int("exit_code", sample.ExitCode).
				Msg("supervisor: heartbeat")

			if sample.LogStalled && !terminatedForSilence[sample.PID] {
				terminatedForSilence[sample.PID] = true
				log.Warn().Int("worker", sample.Index).Dur("silent_for", sample.LogSilentFor).
					Msg("supervisor: log silence exceeded, terminating")
				_ = w.Terminate()
			}
		}

		evaluateZeroCPUStall(samples, &globalZeroCPUStreak, log)
	}
}

// workerSample pairs a Worker with the Sample its Heartbeat call produced,
// so stall evaluation never has to re-derive the worker from Sample.Index
// (which is the worker's job index, not a position in any particular
// slice of currently-running workers).
type workerSample struct {
	worker *Worker
	sample Sample
}

// evaluateZeroCPUStall implements spec.md §4.6's global zero-CPU launch
// stall condition and its escalation.
func evaluateZeroCPUStall(samples []workerSample, streak *int, log zerolog.Logger) {
	var withoutProgress []workerSample
	for _, s := range samples {
		if !s.sample.ProgressObserved {
			withoutProgress = append(withoutProgress, s)
		}
	}

	if len(withoutProgress) == 0 {
		*streak = 0
		return
	}

	allStuck := true
	minRuntime := withoutProgress[0].sample.Runtime
	for _, s := range withoutProgress {
		if s.sample.ZeroCPUStreak < 2 {
			allStuck = false
		}
		if s.sample.Runtime < minRuntime {
			minRuntime = s.sample.Runtime
		}
	}

	if !allStuck {
		*streak = 0
		return
	}

	*streak++
	log.Warn().
		Int("streak", *streak).
		Int("stuck_workers", len(withoutProgress)).
		Msg("supervisor: all running workers without progress are CPU-idle")

	if *streak >= ZeroCPUStuckHeartbeats && minRuntime > minRuntimeForZeroCPUEscalation {
		for _, s := range withoutProgress {
			w := s.worker
			log.Error().Int("worker", w.Index).Int("pid", s.sample.PID).
				Msg("supervisor: zero-CPU launch stall, terminating")
			_ = w.Terminate()
			logDescendants(w.PID(), w.Index, log)
		}
	}
}

// logDescendants emits a descendant-process summary alongside a zero-CPU
// stall escalation, per spec.md §4.6's "global diagnostic (with
// descendant-process summaries)".
func logDescendants(pid, index int, log zerolog.Logger) {
	proc := AttachProcess(pid)
	if proc == nil {
		return
	}
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		name, _ := c.Name()
		log.Warn().Int("worker", index).Int32("descendant_pid", c.Pid).Str("name", name).
			Msg("supervisor: descendant process still present at stall termination")
	}
}

func allTerminal(workers []*Worker) bool {
	for _, w := range workers {
		switch w.State() {
		case Completed, Failed, Terminated:
		default:
			return false
		}
	}
	return true
}
