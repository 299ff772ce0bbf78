package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/spf13/cobra"
)

// benchCmd is a supplemented feature: spec.md does not describe a load
// generator, but every coordination-engine teacher in this pack ships one
// kind of exerciser or another. bench starts a single node in-process (the
// same wiring serve uses) and drives a configurable number of concurrent
// workers through get_or_create/get/set_value cycles against distinct
// keys, reporting throughput and the error mix.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a local load generator against an in-process coordination node",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().StringP("config", "c", "", "Path to a YAML config file (optional)")
	benchCmd.Flags().String("data-dir", "", "Override config's dataDir (defaults to a throwaway temp dir)")
	benchCmd.Flags().Int("workers", 8, "Number of concurrent worker goroutines")
	benchCmd.Flags().Duration("duration", 10*time.Second, "How long to run the benchmark")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DataDir == "./data" {
		dataDir, derr := os.MkdirTemp("", "coordd-bench-*")
		if derr != nil {
			return derr
		}
		cfg.DataDir = dataDir
	}
	cfg.MetricsAddr = ""
	if err := cfg.Validate(); err != nil {
		return err
	}

	workers, _ := cmd.Flags().GetInt("workers")
	duration, _ := cmd.Flags().GetDuration("duration")

	n, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("failed to start bench node: %w", err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var ops, failures int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			benchWorker(ctx, n, id, &ops, &failures)
		}(w)
	}
	wg.Wait()

	elapsed := duration.Seconds()
	log.WithComponent("coordd.bench").Info().
		Int64("ops", atomic.LoadInt64(&ops)).
		Int64("failures", atomic.LoadInt64(&failures)).
		Float64("ops_per_sec", float64(atomic.LoadInt64(&ops))/elapsed).
		Msg("benchmark complete")
	fmt.Printf("ops=%d failures=%d ops/sec=%.1f\n",
		atomic.LoadInt64(&ops), atomic.LoadInt64(&failures), float64(atomic.LoadInt64(&ops))/elapsed)
	return nil
}

func benchWorker(ctx context.Context, n *node, id int, ops, failures *int64) {
	key := fmt.Sprintf("/bench/worker-%d", id)
	value := []byte("bench-value")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := n.coordination.GetOrCreate(ctx, key, value); err != nil {
			atomic.AddInt64(failures, 1)
		}
		atomic.AddInt64(ops, 1)

		if _, err := n.coordination.Get(ctx, key); err != nil {
			atomic.AddInt64(failures, 1)
		}
		atomic.AddInt64(ops, 1)

		if e, err := n.coordination.Get(ctx, key); err == nil && e != nil {
			if _, err := n.coordination.SetValue(ctx, key, value, e.StorageVersion); err != nil {
				atomic.AddInt64(failures, 1)
			}
			atomic.AddInt64(ops, 1)
		}
	}
}
