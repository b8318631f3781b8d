// Package offload implements the background activity that stages stable
// scratch files to their final destination in small throttled bursts
// (spec.md §4.5).
package offload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

const (
	// BurstLimit is OFFLOAD_BURST_LIMIT from spec.md §4.5.
	BurstLimit = 5
	// ScanInterval is OFFLOAD_SCAN_INTERVAL: sleep after a non-empty burst.
	ScanInterval = 2500 * time.Millisecond
	// IdleInterval is OFFLOAD_IDLE_INTERVAL: sleep when nothing moved.
	IdleInterval = 5000 * time.Millisecond

	permissionRetries    = 3
	permissionRetryPause = 500 * time.Millisecond
	finalPasses          = 3
	finalPassPause       = 1 * time.Second
)

// rateCategory is the single catrate category used for burst throttling; the
// orchestrator runs one offloader per job, so a single category is enough.
const rateCategory = "scratch-offload"

// Offloader scans Source for stable files and moves them to Dest.
type Offloader struct {
	Source string
	Dest   string
	Logger zerolog.Logger

	limiter *catrate.Limiter

	// for testing: overridable sleep/clock
	sleep func(time.Duration)
}

// New constructs an Offloader throttled to BurstLimit moves per ScanInterval,
// using go-catrate's sliding-window limiter rather than a hand-rolled
// token-bucket loop.
func New(source, dest string, logger zerolog.Logger) *Offloader {
	return &Offloader{
		Source:  source,
		Dest:    dest,
		Logger:  logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{ScanInterval: BurstLimit}),
		sleep:   time.Sleep,
	}
}

// Run scans until ctx is cancelled, then performs up to finalPasses final
// passes before returning, logging any files it could not retrieve.
func (o *Offloader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drainFinal()
			return
		default:
		}

		moved, err := o.scanOnce()
		if err != nil {
			o.Logger.Warn().Err(err).Msg("offload: scan error")
		}

		interval := IdleInterval
		if moved > 0 {
			interval = ScanInterval
		}
		select {
		case <-ctx.Done():
			o.drainFinal()
			return
		case <-afterCtx(ctx, interval):
		}
	}
}

func afterCtx(ctx context.Context, d time.Duration) <-chan time.Time {
	// a plain time.After would leak a timer if ctx is already done; this
	// orchestrator's offloader lifetime is bounded by job duration, so the
	// leak would be negligible, but use a context-scoped timer regardless to
	// keep Run's select honest about both wakeup reasons.
	t := time.NewTimer(d)
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}()
	return t.C
}

func (o *Offloader) drainFinal() {
	for pass := 0; pass < finalPasses; pass++ {
		moved, err := o.scanOnce()
		if err != nil {
			o.Logger.Warn().Err(err).Msg("offload: final pass scan error")
		}
		if pass < finalPasses-1 {
			o.sleep(finalPassPause)
		}
		_ = moved
	}
	o.logStragglers()
}

func (o *Offloader) logStragglers() {
	entries, err := os.ReadDir(o.Source)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		o.Logger.Warn().Str("file", e.Name()).Msg("offload: file left in scratch, irretrievably locked or still being written")
	}
}

// scanOnce performs one scan: for each regular file in Source, it runs the
// stability check, and if stable and the burst limiter allows it, moves the
// file. It returns the number of files moved this scan.
func (o *Offloader) scanOnce() (int, error) {
	entries, err := os.ReadDir(o.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	moved := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if moved >= BurstLimit {
			break
		}

		path := filepath.Join(o.Source, e.Name())
		if !stable(path) {
			continue
		}
		if _, ok := o.limiter.Allow(rateCategory); !ok {
			break
		}

		if err := o.moveWithRetry(path, filepath.Join(o.Dest, e.Name())); err != nil {
			o.Logger.Warn().Str("file", e.Name()).Err(err).Msg("offload: move failed")
			continue
		}
		moved++
	}
	return moved, nil
}

// stable probes for "no open writer" by attempting an in-place rename: this
// succeeds only if nothing holds the file open for write on platforms that
// enforce exclusive-write locks (strongest on Windows; on POSIX this is
// weaker, per spec.md §9 Open Question 3, but an in-place rename is at least
// a cheap, portable "the file still exists and we can touch its directory
// entry" probe that catches the common case of a renderer that has already
// closed the handle and renamed its own temp file into place).
func stable(path string) bool {
	return os.Rename(path, path) == nil
}

// moveWithRetry copies then deletes, tolerating cross-volume moves, retrying
// up to permissionRetries times on a permission error per spec.md §4.5.
func (o *Offloader) moveWithRetry(src, dst string) error {
	var lastErr error
	for attempt := 0; attempt <= permissionRetries; attempt++ {
		err := moveFile(src, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !os.IsPermission(err) {
			return err
		}
		if attempt < permissionRetries {
			o.sleep(permissionRetryPause)
		}
	}
	return lastErr
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// cross-volume: copy then delete.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(src); err == nil {
		os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return os.Remove(src)
}
