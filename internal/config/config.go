// Package config parses the command-line flags and environment variables
// that describe a single render job (spec.md §6).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

// ExitCode mirrors spec.md §2's process exit codes.
type ExitCode int

const (
	ExitSuccess      ExitCode = 0
	ExitRenderFailed ExitCode = 1
	ExitUsage        ExitCode = 2
	ExitInternal     ExitCode = 3
)

// Job is the fully resolved, validated description of one render job.
type Job struct {
	Project string
	Output  string
	Start   int
	End     int
	Comp    string
	RQIndex int

	RSTemplate string
	OMTemplate string

	Concurrency       int
	MaxConcurrencyCap int
	RAMPerProcessGB   float64
	MFRThreadsHint    int
	DisableMFR        bool

	AerenderPath string

	NUMAMap         string
	DisableAffinity bool

	SpawnDelaySeconds   float64
	ChildGraceSeconds   float64
	KillOnFail          bool
	EnvFile             string
	LogFile             string
	OutputIsPattern     bool
	DryRun              bool
	Debug               bool
	Env                 map[string]string
}

// Parse parses argv (excluding the program name) into a validated Job.
// Input errors are returned wrapped in *UsageError so callers can map them
// to ExitUsage without string sniffing.
func Parse(argv []string) (Job, error) {
	fs := flag.NewFlagSet("stmpo", flag.ContinueOnError)

	var j Job
	var enableAffinity bool
	var noKillOnFail bool

	fs.StringVar(&j.Project, "project", "", "path to the .aep project file (required)")
	fs.StringVar(&j.Output, "output", "", "final output path or frame-sequence pattern (required)")
	fs.IntVar(&j.Start, "start", 0, "first frame number (inclusive)")
	fs.IntVar(&j.End, "end", 0, "last frame number (inclusive)")
	fs.StringVar(&j.Comp, "comp", "", "composition name override")
	fs.IntVar(&j.RQIndex, "rqindex", 0, "render queue item index override")
	fs.StringVar(&j.RSTemplate, "rs_template", "", "render settings template name")
	fs.StringVar(&j.OMTemplate, "om_template", "", "output module template name")

	fs.IntVar(&j.Concurrency, "concurrency", 0, "forced worker count; 0 means auto-plan")
	fs.IntVar(&j.MaxConcurrencyCap, "max_concurrency", 24, "upper bound on auto-planned worker count; values below 1 are treated as 1")
	fs.Float64Var(&j.RAMPerProcessGB, "ram_per_process_gb", 0, "expected RAM per worker in GiB; 0 means use the default")
	fs.IntVar(&j.MFRThreadsHint, "mfr_threads", 0, "threads-per-worker hint when Multi-Frame Rendering is enabled")
	fs.BoolVar(&j.DisableMFR, "disable_mfr", false, "disable Multi-Frame Rendering")

	fs.StringVar(&j.AerenderPath, "aerender_path", os.Getenv("AERENDER_PATH"), "path to the aerender executable")

	fs.StringVar(&j.NUMAMap, "numa_map", "", "path to a NUMA/CPU pool map JSON file")
	fs.BoolVar(&j.DisableAffinity, "disable_affinity", false, "disable CPU affinity planning entirely")
	fs.BoolVar(&enableAffinity, "enable_affinity", false, "force-enable CPU affinity planning")

	fs.Float64Var(&j.SpawnDelaySeconds, "spawn_delay", 2, "seconds to wait between staggered worker spawns")
	fs.Float64Var(&j.ChildGraceSeconds, "child_grace_sec", 10, "seconds to wait for children to exit gracefully during shutdown")
	fs.BoolVar(&j.KillOnFail, "kill_on_fail", true, "terminate sibling workers when one worker fails")
	fs.BoolVar(&noKillOnFail, "no_kill_on_fail", false, "let sibling workers continue after one worker fails")

	fs.StringVar(&j.EnvFile, "env_file", "", "path to a JSON file of extra environment variables for children")
	fs.StringVar(&j.LogFile, "log_file", "", "path to a file to additionally receive structured logs")
	fs.BoolVar(&j.OutputIsPattern, "output_is_pattern", false, "treat -output as an explicit frame-sequence pattern")
	fs.BoolVar(&j.DryRun, "dry_run", false, "plan the job and print the would-be commands without spawning any renderer")
	fs.BoolVar(&j.Debug, "debug", getEnvBool("STMPO_DEBUG", false), "enable debug-level logging")

	if err := fs.Parse(argv); err != nil {
		return Job{}, &UsageError{Err: err}
	}

	if noKillOnFail {
		j.KillOnFail = false
	}
	if enableAffinity {
		j.DisableAffinity = false
	}

	if err := j.validate(); err != nil {
		return Job{}, &UsageError{Err: err}
	}

	env, err := loadEnvFile(j.EnvFile)
	if err != nil {
		return Job{}, &UsageError{Err: err}
	}
	j.Env = env

	return j, nil
}

func (j Job) validate() error {
	if j.Project == "" {
		return fmt.Errorf("config: -project is required")
	}
	if j.Output == "" {
		return fmt.Errorf("config: -output is required")
	}
	if j.End < j.Start {
		return fmt.Errorf("config: -end (%d) must be >= -start (%d)", j.End, j.Start)
	}
	if j.AerenderPath == "" {
		return fmt.Errorf("config: -aerender_path is required (or set AERENDER_PATH)")
	}
	if j.SpawnDelaySeconds < 0 {
		return fmt.Errorf("config: -spawn_delay must be >= 0")
	}
	if j.ChildGraceSeconds < 0 {
		return fmt.Errorf("config: -child_grace_sec must be >= 0")
	}
	return nil
}

func loadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read env_file %q: %w", path, err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("config: parse env_file %q: %w", path, err)
	}
	return env, nil
}

func getEnvBool(key string, def bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	if raw == "" {
		return def
	}
	return raw == "1" || raw == "true" || raw == "yes"
}

// UsageError marks an error that should map to ExitUsage (spec.md §2).
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }
