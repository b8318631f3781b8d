package offload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func discard() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanOnce_MovesStableFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.png", "a")
	writeFile(t, src, "b.png", "b")

	o := New(src, dst, discard())
	moved, err := o.scanOnce()
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.png")); err != nil {
		t.Errorf("a.png not staged: %v", err)
	}
	if _, err := os.Stat(filepath.Join(src, "a.png")); !os.IsNotExist(err) {
		t.Errorf("a.png should be gone from source")
	}
}

func TestScanOnce_EmptySourceIsNotAnError(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	o := New(src, dst, discard())
	moved, err := o.scanOnce()
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("expected 0 moved, got %d", moved)
	}
}

func TestScanOnce_MissingSourceIsNotAnError(t *testing.T) {
	dst := t.TempDir()
	o := New(filepath.Join(dst, "does-not-exist"), dst, discard())
	if _, err := o.scanOnce(); err != nil {
		t.Fatalf("missing scratch dir should not error: %v", err)
	}
}

func TestScanOnce_BurstLimitCapsOneScan(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for i := 0; i < BurstLimit+3; i++ {
		writeFile(t, src, "f"+string(rune('a'+i))+".png", "x")
	}

	o := New(src, dst, discard())
	moved, err := o.scanOnce()
	if err != nil {
		t.Fatal(err)
	}
	if moved > BurstLimit {
		t.Fatalf("expected at most %d moved in one scan, got %d", BurstLimit, moved)
	}
}

func TestMoveWithRetry_RetriesThenSurfacesPermissionError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed when running as root")
	}
	src := t.TempDir()
	dst := t.TempDir()
	path := writeFile(t, src, "locked.png", "x")

	if err := os.Chmod(dst, 0o555); err != nil {
		t.Skipf("cannot simulate permission error in this environment: %v", err)
	}
	defer os.Chmod(dst, 0o755)

	attempts := 0
	o := New(src, dst, discard())
	o.sleep = func(time.Duration) { attempts++ }

	err := o.moveWithRetry(path, filepath.Join(dst, "locked.png"))
	if err == nil {
		t.Fatal("expected permission error to surface after exhausting retries")
	}
	if attempts != permissionRetries {
		t.Errorf("expected %d retry sleeps, got %d", permissionRetries, attempts)
	}
}

func TestRun_StopsOnContextCancelAndDrainsFinalPasses(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.png", "a")

	o := New(src, dst, discard())
	o.sleep = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}

	if _, err := os.Stat(filepath.Join(dst, "a.png")); err != nil {
		t.Errorf("final drain pass should have staged a.png: %v", err)
	}
}

func TestStable_RenameInPlaceSucceedsForOrdinaryFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.png", "x")
	if !stable(path) {
		t.Error("expected ordinary closed file to be reported stable")
	}
}
