package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"lsmkv/pkg/config"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/store"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	dir := flag.String("data", "", "data directory, a temporary one by default")
	ops := flag.Int("ops", 100_000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	valueSize := flag.Int("value-size", 100, "value size in bytes")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "lsmkv-bench-*")
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	cfg := config.Default().DB
	cfg.Persistence.RootPath = *dir
	cfg.Memtable.FlushThresholdBytes = 1 << 20

	collector := metrics.NewInMemory()
	s, err := store.Open(cfg, store.WithMetrics(collector))
	if err != nil {
		fmt.Printf("ERROR: failed to open store: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== LSMKV Benchmark Test ===")
	fmt.Printf("Data dir: %s\n", *dir)
	fmt.Println()

	ctx := context.Background()
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + fastrand.Intn(26))
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, func(g, j int) error {
		return s.Put(ctx, []byte(fmt.Sprintf("seq_key_%d_%d", g, j)), value)
	}))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, func(g, j int) error {
		return expectFound(ctx, s, fmt.Sprintf("seq_key_0_%d", fastrand.Intn(*ops)))
	}))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, func(g, j int) error {
		return s.Put(ctx, []byte(fmt.Sprintf("con_key_%d_%d", g, j)), value)
	}))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, func(g, j int) error {
		return expectFound(ctx, s, fmt.Sprintf("seq_key_0_%d", fastrand.Intn(*ops)))
	}))

	fmt.Println("\nTest 5: Compaction")
	printResult(benchmark(1, 1, func(int, int) error {
		if err := s.Flush(ctx); err != nil {
			return err
		}
		return s.Compact(ctx)
	}))

	if err := s.Close(); err != nil {
		fmt.Printf("ERROR: failed to close store: %v\n", err)
	}

	fmt.Println("\nEngine metrics:")
	for _, name := range []string{"lsmkv_flush_duration_seconds", "lsmkv_compaction_duration_seconds"} {
		h := collector.Histogram(name, nil)
		fmt.Printf("  %s: count=%d sum=%.3fs max=%.3fs\n", name, h.Count, h.Sum, h.Max)
	}

	fmt.Println("\n=== Benchmark Complete ===")
}

func expectFound(ctx context.Context, s *store.Store, key string) error {
	_, found, err := s.Get(ctx, []byte(key))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %q not found", key)
	}
	return nil
}

// benchmark spreads totalOps over concurrency goroutines; op gets the
// goroutine id and its operation index.
func benchmark(totalOps, concurrency int, op func(g, j int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			local := make([]time.Duration, 0, ops)
			ok, bad := 0, 0
			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(goroutineID, j)
				local = append(local, time.Since(opStart))
				if err == nil {
					ok++
				} else {
					bad++
				}
			}

			mu.Lock()
			successful += ok
			failed += bad
			latencies = append(latencies, local...)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	var min, max, sum time.Duration
	if len(latencies) > 0 {
		min = latencies[0]
		max = latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
	}
	var avgLatency time.Duration
	if len(latencies) > 0 {
		avgLatency = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avgLatency,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
