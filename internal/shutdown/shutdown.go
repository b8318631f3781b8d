// Package shutdown implements the Shutdown Coordinator from spec.md §4.7:
// it listens for SIGINT/SIGTERM, gives running children a grace period to
// exit on their own, then escalates to a recursive force-kill of any
// remaining descendants.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultGracePeriod is child_grace_sec's default (spec.md §6).
const DefaultGracePeriod = 10 * time.Second

// Coordinator owns the signal listener and the teardown sequence.
type Coordinator struct {
	GracePeriod time.Duration
	Logger      zerolog.Logger

	sigCh chan os.Signal
	stop  chan struct{}
}

// New constructs a Coordinator with the given grace period.
func New(gracePeriod time.Duration, logger zerolog.Logger) *Coordinator {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Coordinator{
		GracePeriod: gracePeriod,
		Logger:      logger,
		sigCh:       make(chan os.Signal, 8),
		stop:        make(chan struct{}),
	}
}

// Context returns a context that is cancelled on the first SIGINT or
// SIGTERM. Callers use its cancellation as the signal to begin an orderly
// shutdown of the offloader and supervisors.
func (c *Coordinator) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c.sigCh:
			c.Logger.Warn().Str("signal", sig.String()).Msg("shutdown: signal received, beginning graceful teardown")
			cancel()
		case <-c.stop:
		}
	}()
	return ctx
}

// Close stops the signal listener goroutine. Safe to call once.
func (c *Coordinator) Close() {
	signal.Stop(c.sigCh)
	close(c.stop)
}

// Terminator is the subset of supervisor.Worker needed to send a polite
// terminate signal, kept narrow so this package does not import supervisor.
type Terminator interface {
	PID() int
	Terminate() error
}

// Teardown sends a polite terminate to every worker, waits up to GracePeriod
// for their PIDs to disappear, then force-kills any surviving process tree
// (parent plus all descendants) per spec.md §4.7.
func (c *Coordinator) Teardown(workers []Terminator) {
	pids := make([]int, 0, len(workers))
	for _, w := range workers {
		if pid := w.PID(); pid > 0 {
			pids = append(pids, pid)
		}
		if err := w.Terminate(); err != nil {
			c.Logger.Debug().Err(err).Msg("shutdown: terminate signal failed, process likely already exited")
		}
	}

	deadline := time.Now().Add(c.GracePeriod)
	for time.Now().Before(deadline) {
		if allGone(pids) {
			c.Logger.Info().Msg("shutdown: all children exited within grace period")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	c.Logger.Warn().Msg("shutdown: grace period elapsed, force-killing surviving process trees")
	for _, pid := range pids {
		killTree(pid, c.Logger)
	}
}

func allGone(pids []int) bool {
	for _, pid := range pids {
		if processAlive(pid) {
			return false
		}
	}
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// killTree force-kills pid and every descendant it can find, deepest first,
// tolerating processes that have already exited.
func killTree(pid int, log zerolog.Logger) {
	if !processAlive(pid) {
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, _ := p.Children()
	for _, child := range children {
		killTree(int(child.Pid), log)
	}
	if err := p.Kill(); err != nil {
		log.Debug().Int("pid", pid).Err(err).Msg("shutdown: force-kill failed")
	}
}
