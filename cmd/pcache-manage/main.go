// pcache-manage is the general-purpose administration CLI: table setup,
// status reporting, cache inspection, queue inspection, and maintenance
// (an on-demand eviction pass), spec §6's "pcache-manage
// {setup,status,cache,queue,maintenance}".
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/cliutil"
	"github.com/partitioncache/partitioncache/internal/eviction"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/queue"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "pcache-manage",
	Short: "Administer PartitionCache cache/queue tables",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.AddCommand(setupCmd, statusCmd, cacheCmd, queueCmd, maintenanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create cache, queue, and processor-log tables for the configured backend",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		backend, err := cache.NewFromConfig(ctx, cfg, pool, nil)
		if err != nil {
			cliutil.Fatalf("opening cache backend: %v", err)
		}
		defer backend.Close()

		q, err := queue.NewFromConfig(ctx, cfg, pool)
		if err != nil {
			cliutil.Fatalf("opening queue: %v", err)
		}
		defer q.Close()

		log := executor.NewLog(pool, cfg.Processor.TablePrefix, nil)
		if err := log.EnsureTable(ctx); err != nil {
			cliutil.Fatalf("creating processor log table: %v", err)
		}

		if jsonOutput {
			cliutil.OutputJSON(map[string]string{"status": "ok"})
		} else {
			fmt.Println("Cache, queue, and processor-log tables are ready.")
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report queue depth and partition registration",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		backend, err := cache.NewFromConfig(ctx, cfg, pool, nil)
		if err != nil {
			cliutil.Fatalf("opening cache backend: %v", err)
		}
		defer backend.Close()
		q, err := queue.NewFromConfig(ctx, cfg, pool)
		if err != nil {
			cliutil.Fatalf("opening queue: %v", err)
		}
		defer q.Close()

		partitions, err := backend.Partitions(ctx)
		if err != nil {
			cliutil.Fatalf("listing partitions: %v", err)
		}
		lengths, err := q.Lengths(ctx)
		if err != nil {
			cliutil.Fatalf("reading queue lengths: %v", err)
		}

		if jsonOutput {
			cliutil.OutputJSON(map[string]any{
				"backend":          cfg.Backend,
				"partitions":       partitions,
				"queue_original":   lengths.Original,
				"queue_fragment":   lengths.Fragment,
				"processor_enabled": cfg.Processor.Enabled,
			})
			return
		}
		fmt.Printf("Backend: %s\n", cfg.Backend)
		fmt.Printf("Partitions: %v\n", partitions)
		fmt.Printf("Queue: %d original, %d fragment\n", lengths.Original, lengths.Fragment)
		fmt.Printf("Processor enabled: %v\n", cfg.Processor.Enabled)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect cache entries for a partition key",
}

var cachePartitionKey string

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache entries for --partition-key",
	Run: func(cmd *cobra.Command, args []string) {
		if cachePartitionKey == "" {
			cliutil.Fatalf("--partition-key is required")
		}
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		backend, err := cache.NewFromConfig(ctx, cfg, pool, nil)
		if err != nil {
			cliutil.Fatalf("opening cache backend: %v", err)
		}
		defer backend.Close()

		entries, err := backend.Entries(ctx, cachePartitionKey)
		if err != nil {
			cliutil.Fatalf("listing entries: %v", err)
		}
		if jsonOutput {
			cliutil.OutputJSON(entries)
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  count=%d  last_seen=%s\n", e.QueryHash, e.Count, e.LastSeen)
		}
	},
}

func init() {
	cacheListCmd.Flags().StringVar(&cachePartitionKey, "partition-key", "", "partition key to inspect")
	cacheCmd.AddCommand(cacheListCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Clear the queues",
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear both queue tables",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		q, err := queue.NewFromConfig(ctx, cfg, pool)
		if err != nil {
			cliutil.Fatalf("opening queue: %v", err)
		}
		defer q.Close()

		o, f, err := q.ClearAll(ctx)
		if err != nil {
			cliutil.Fatalf("clearing queue: %v", err)
		}
		if jsonOutput {
			cliutil.OutputJSON(map[string]int{"cleared_original": o, "cleared_fragment": f})
			return
		}
		fmt.Printf("Cleared %d original, %d fragment queue rows.\n", o, f)
	},
}

func init() {
	queueCmd.AddCommand(queueClearCmd)
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run one eviction pass and prune old processor-log rows",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		backend, err := cache.NewFromConfig(ctx, cfg, pool, nil)
		if err != nil {
			cliutil.Fatalf("opening cache backend: %v", err)
		}
		defer backend.Close()

		locks := &executor.AdvisoryLocks{Pool: pool}
		mgr, err := eviction.NewFromConfig(cfg, backend, locks, nil)
		if err != nil {
			cliutil.Fatalf("configuring eviction: %v", err)
		}

		result, err := mgr.Run(ctx)
		if err != nil {
			cliutil.Fatalf("running eviction: %v", err)
		}
		prunedLogs, err := mgr.PruneLogs(ctx, pool, cfg.Processor.TablePrefix)
		if err != nil {
			cliutil.Fatalf("pruning processor logs: %v", err)
		}

		if jsonOutput {
			cliutil.OutputJSON(map[string]any{
				"partitions_swept": result.PartitionsSwept,
				"entries_evicted":  result.EntriesEvicted,
				"log_rows_pruned":  prunedLogs,
			})
			return
		}
		fmt.Printf("Swept %d partitions, evicted %d entries, pruned %d log rows.\n",
			result.PartitionsSwept, result.EntriesEvicted, prunedLogs)
	},
}
