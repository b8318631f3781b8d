// Command stmpo renders one After Effects job by splitting its frame range
// across several aerender child processes, optionally pinning each to a CPU
// affinity block, and staging their output to its final destination.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/stmpo/render-orchestrator/internal/config"
	"github.com/stmpo/render-orchestrator/internal/logging"
	"github.com/stmpo/render-orchestrator/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	job, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitUsage)
	}

	log, closer, err := logging.New(logging.Options{LogFile: job.LogFile, Debug: job.Debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitInternal)
	}
	if closer != nil {
		defer closer.Close()
	}

	code := orchestrator.Run(context.Background(), job, log)
	return int(code)
}
