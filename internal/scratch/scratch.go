// Package scratch manages the per-job local scratch directory that children
// render into before the offloader stages output to its final destination.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// singleFileExts are output extensions that denote one monolithic video
// file; parallel rendering into one such file corrupts it (spec.md §4.5).
var singleFileExts = map[string]bool{
	".mov": true, ".mp4": true, ".mxf": true, ".avi": true, ".mkv": true,
}

// ErrRefuseSingleFileParallel is returned by Validate when concurrency > 1
// targets what looks like one monolithic video file.
type ErrRefuseSingleFileParallel struct {
	Output string
}

func (e *ErrRefuseSingleFileParallel) Error() string {
	return fmt.Sprintf("scratch: refusing to render %q in parallel: looks like a single video file, not a frame sequence", e.Output)
}

// Validate enforces the single-file-parallel-render refusal from spec.md
// §4.5. outputIsPattern bypasses the heuristic for callers that already know
// the output is a sequence pattern.
func Validate(finalOutput string, concurrency int, outputIsPattern bool) error {
	if concurrency <= 1 || outputIsPattern {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(finalOutput))
	if singleFileExts[ext] && !looksLikePattern(finalOutput) {
		return &ErrRefuseSingleFileParallel{Output: finalOutput}
	}
	return nil
}

func looksLikePattern(output string) bool {
	return strings.ContainsAny(output, "[#")
}

// Dir is a job-owned scratch directory created by Create under a root
// directory.
type Dir struct {
	Path string
}

// Create makes a unique scratch directory job_<uuid8> under root.
func Create(root string) (Dir, error) {
	id := uuid.New().String()[:8]
	path := filepath.Join(root, "job_"+id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Dir{}, fmt.Errorf("scratch: create %q: %w", path, err)
	}
	return Dir{Path: path}, nil
}

// LocalOutput reconstructs the child output path inside this scratch
// directory from the final output's basename.
func (d Dir) LocalOutput(finalOutput string) string {
	return filepath.Join(d.Path, filepath.Base(finalOutput))
}

// Cleanup removes the scratch directory and everything in it. Best-effort:
// callers should log but not fail the job on error, since by the time
// Cleanup runs the offloader has already made its best attempt to empty it.
func (d Dir) Cleanup() error {
	if d.Path == "" {
		return nil
	}
	return os.RemoveAll(d.Path)
}
