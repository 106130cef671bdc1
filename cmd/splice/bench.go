package main

import (
	"fmt"
	"math/rand"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/splice/core"
	"github.com/sbl8/splice/engine"
)

var (
	benchIter  int
	benchBatch int
	benchSeed  int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time composition calls on random inputs",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchIter, "iter", 100, "Number of composition calls")
	benchCmd.Flags().IntVar(&benchBatch, "batch", 8, "Examples per call")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "Input seed")
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchIter <= 0 || benchBatch <= 0 {
		return fmt.Errorf("--iter and --batch must be positive")
	}
	m, host, err := loadModel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Composition Performance\n")
	fmt.Fprintf(out, "=======================\n")
	fmt.Fprintf(out, "Go Version: %s\n", goruntime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintf(out, "CPUs: %d\n", goruntime.NumCPU())
	fmt.Fprintf(out, "Attachments: %d (%d units)\n", len(m.Attachments()), len(m.Units()))
	fmt.Fprintf(out, "Batch: %d x %d positions\n", benchBatch, host.Positions())
	fmt.Fprintf(out, "Iterations: %d\n\n", benchIter)

	rng := rand.New(rand.NewSource(benchSeed))
	shape := []int{benchBatch, host.Positions(), host.Graph().Input}
	req := engine.Request{
		Base:    core.Rand(rng, shape...),
		Sources: make([]*core.Tensor, len(m.Attachments())),
	}
	for i := range req.Sources {
		req.Sources[i] = core.Rand(rng, shape...)
	}

	batch := make([]*core.Tensor, benchIter)
	for i := range batch {
		batch[i] = req.Base
	}
	poolStart := time.Now()
	if _, err := host.RunBatch(cmd.Context(), batch); err != nil {
		return err
	}
	pool := time.Since(poolStart)

	plain := timeRuns(cmd, m, engine.Request{Base: req.Base})
	composed := timeRuns(cmd, m, req)
	if plain.err != nil {
		return plain.err
	}
	if composed.err != nil {
		return composed.err
	}

	fmt.Fprintf(out, "Host pool:     %v total, %v per call\n", pool, pool/time.Duration(benchIter))
	fmt.Fprintf(out, "Pass-through:  %v total, %v per call\n", plain.total, plain.total/time.Duration(benchIter))
	fmt.Fprintf(out, "Composed:      %v total, %v per call\n", composed.total, composed.total/time.Duration(benchIter))
	fmt.Fprintf(out, "Overhead:      %.2fx\n", float64(composed.total)/float64(plain.total))

	stats := host.Stats()
	fmt.Fprintf(out, "\nHost runs: %d (%d hooked), average latency %v\n",
		stats.TotalExecutions, stats.HookedRuns, stats.AverageLatency)
	for _, id := range sortedKeys(stats.HookCalls) {
		fmt.Fprintf(out, "  %-24s %d calls\n", id, stats.HookCalls[id])
	}
	return nil
}

type timing struct {
	total time.Duration
	err   error
}

func timeRuns(cmd *cobra.Command, m *engine.Model, req engine.Request) timing {
	start := time.Now()
	for i := 0; i < benchIter; i++ {
		if _, err := m.Run(cmd.Context(), req); err != nil {
			return timing{err: err}
		}
	}
	return timing{total: time.Since(start)}
}
