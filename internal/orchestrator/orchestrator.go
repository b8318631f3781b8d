// Package orchestrator wires the Range Splitter, Topology Model, Affinity
// Planner, Concurrency Planner, Command Builder, Scratch Manager, Offloader,
// Child Supervisor and Shutdown Coordinator into the end-to-end control flow
// described in spec.md §2.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stmpo/render-orchestrator/internal/affinity"
	"github.com/stmpo/render-orchestrator/internal/command"
	"github.com/stmpo/render-orchestrator/internal/concurrency"
	"github.com/stmpo/render-orchestrator/internal/config"
	"github.com/stmpo/render-orchestrator/internal/offload"
	"github.com/stmpo/render-orchestrator/internal/rangesplit"
	"github.com/stmpo/render-orchestrator/internal/scratch"
	"github.com/stmpo/render-orchestrator/internal/shutdown"
	"github.com/stmpo/render-orchestrator/internal/supervisor"
	"github.com/stmpo/render-orchestrator/internal/topology"
)

// Run executes one render job end to end and returns the process exit code
// (spec.md §2): 0 on full success, 1 if any worker failed, 2 on input
// errors (most are surfaced by config.Parse before Run is called; Run itself
// returns 2 when it refuses a parallel render into a single video file or
// the frame range is invalid), 3 on an internal orchestration failure.
func Run(ctx context.Context, job config.Job, log zerolog.Logger) config.ExitCode {
	res := concurrency.DetectResources()
	n := concurrency.Plan(concurrency.Hints{
		RequestedN:        job.Concurrency,
		FrameCount:        job.End - job.Start + 1,
		MFRDisabled:       job.DisableMFR,
		MFRThreadsHint:    job.MFRThreadsHint,
		RAMPerWorkerGB:    job.RAMPerProcessGB,
		MaxConcurrencyCap: job.MaxConcurrencyCap,
	}, res)

	if err := scratch.Validate(job.Output, n, job.OutputIsPattern); err != nil {
		log.Error().Err(err).Msg("orchestrator: refusing job")
		return config.ExitUsage
	}

	subranges, err := rangesplit.Split(job.Start, job.End, n)
	if err != nil {
		log.Error().Err(err).Msg("orchestrator: invalid frame range")
		return config.ExitUsage
	}

	var pools []topology.CpuPool
	var blocks []affinity.Block
	applier := affinity.NewApplier()
	if !job.DisableAffinity && job.NUMAMap != "" {
		pools, err = topology.Load(job.NUMAMap, log)
		if err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to load numa map, disabling affinity")
		} else if len(pools) > 0 && applier.Supported() {
			blocks = affinity.Plan(len(subranges), pools)
		}
	}

	scratchDir, err := scratch.Create(scratchRoot(job.Output))
	if err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to create scratch directory")
		return config.ExitInternal
	}
	defer func() {
		if err := scratchDir.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("orchestrator: scratch cleanup failed")
		}
	}()

	coord := shutdown.New(time.Duration(job.ChildGraceSeconds*float64(time.Second)), log)
	runCtx := coord.Context(ctx)
	defer coord.Close()

	offloadCtx, stopOffload := context.WithCancel(context.Background())
	offloader := offload.New(scratchDir.Path, filepath.Dir(job.Output), log)
	var offloadWG sync.WaitGroup
	offloadWG.Add(1)
	go func() {
		defer offloadWG.Done()
		offloader.Run(offloadCtx)
	}()

	if job.DryRun {
		log.Info().Int("concurrency", len(subranges)).Interface("affinity_blocks", blocks).Msg("orchestrator: dry_run, planned job")
		for _, sr := range subranges {
			argv := buildArgv(job, sr, scratchDir)
			log.Info().Strs("argv", argv).Msg("orchestrator: dry_run, would spawn worker")
		}
		stopOffload()
		offloadWG.Wait()
		return config.ExitSuccess
	}

	workers := make([]*supervisor.Worker, len(subranges))
	// affinityDisabled is only touched by the affinity hooks, which Start
	// runs synchronously from the sequential spawn loop below.
	affinityDisabled := false
	for i, sr := range subranges {
		argv := buildArgv(job, sr, scratchDir)
		w := supervisor.NewWorker(i, argv, log)
		if len(blocks) == len(subranges) {
			block := blocks[i]
			w.SetAffinityHook(func(pid int) {
				if affinityDisabled {
					w.SetAffinityDescription("disabled after an earlier affinity failure")
					return
				}
				result := applier.Apply(pid, block, flattenPools(pools))
				if !result.Applied {
					log.Warn().Int("pid", pid).Str("diagnostic", result.Diagnostic).Msg("orchestrator: affinity not applied")
					w.SetAffinityDescription("unapplied: " + result.Diagnostic)
					if result.Disabled {
						affinityDisabled = true
					}
				} else {
					w.SetAffinityDescription(fmt.Sprintf("cpus=%v", result.Block.CPUs))
				}
			})
		}
		workers[i] = w
	}

	anyFailed := false
	var started []*supervisor.Worker
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, w := range workers {
		if i > 0 && job.SpawnDelaySeconds > 0 {
			select {
			case <-runCtx.Done():
			case <-time.After(time.Duration(job.SpawnDelaySeconds * float64(time.Second))):
			}
		}
		if runCtx.Err() != nil {
			break
		}
		if err := w.Start(runCtx); err != nil {
			log.Error().Err(err).Int("worker", i).Msg("orchestrator: failed to spawn worker")
			mu.Lock()
			anyFailed = true
			mu.Unlock()
			continue
		}
		mu.Lock()
		started = append(started, w)
		mu.Unlock()
		wg.Add(1)
		go func(w *supervisor.Worker) {
			defer wg.Done()
			if err := w.Wait(); err != nil {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
				if job.KillOnFail {
					terminateSiblings(workers, w.Index)
				}
			}
		}(w)
	}

	go func() {
		<-runCtx.Done()
		terminators := make([]shutdown.Terminator, len(workers))
		for i, w := range workers {
			terminators[i] = w
		}
		coord.Teardown(terminators)
	}()

	var superviseWG sync.WaitGroup
	superviseWG.Add(1)
	go func() {
		defer superviseWG.Done()
		supervisor.Supervise(runCtx, started, log)
	}()

	wg.Wait()
	superviseWG.Wait()
	stopOffload()
	offloadWG.Wait()

	// final drain passes already ran inside Offloader.Run's ctx-cancel path;
	// run the same bounded final passes (up to three) once more here in case
	// workers finished after the offloader's last scan.
	finalOffloader := offload.New(scratchDir.Path, filepath.Dir(job.Output), log)
	finalCtx, cancelFinal := context.WithCancel(context.Background())
	cancelFinal()
	finalOffloader.Run(finalCtx)

	if anyFailed {
		return config.ExitRenderFailed
	}
	return config.ExitSuccess
}

func buildArgv(job config.Job, sr rangesplit.Subrange, dir scratch.Dir) []string {
	return command.Build(command.Spec{
		AerenderPath: job.AerenderPath,
		Project:      job.Project,
		Output:       dir.LocalOutput(job.Output),
		Start:        sr.Start,
		End:          sr.End,
		Comp:         job.Comp,
		RQIndex:      job.RQIndex,
		RSTemplate:   job.RSTemplate,
		OMTemplate:   job.OMTemplate,
		MFRDisabled:  job.DisableMFR,
	})
}

func scratchRoot(output string) string {
	return filepath.Join(filepath.Dir(output), ".stmpo_scratch")
}

func flattenPools(pools []topology.CpuPool) []int {
	var all []int
	for _, p := range pools {
		all = append(all, p.CPUs...)
	}
	return all
}

func terminateSiblings(workers []*supervisor.Worker, exclude int) {
	for _, w := range workers {
		if w.Index == exclude {
			continue
		}
		if w.State() == supervisor.Running {
			_ = w.Terminate()
		}
	}
}
