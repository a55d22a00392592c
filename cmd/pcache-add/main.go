// pcache-add enqueues (or, in --direct mode, immediately executes) a
// query for caching: spec §6 "pcache-add {--queue|--queue-original|--direct}
// --query … --partition-key …".
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/cliutil"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/queue"
	"github.com/partitioncache/partitioncache/internal/sqlfrag"
)

var (
	flagQueue         bool
	flagQueueOriginal bool
	flagDirect        bool
	flagQuery         string
	flagPartitionKey  string
	flagDatatype      string
	jsonOutput        bool
)

var rootCmd = &cobra.Command{
	Use:   "pcache-add",
	Short: "Submit a query for partition-key caching",
	Run:   run,
}

func init() {
	rootCmd.Flags().BoolVar(&flagQueue, "queue", false, "generate fragments and push them to the fragment queue")
	rootCmd.Flags().BoolVar(&flagQueueOriginal, "queue-original", false, "push the raw query to the original-query queue")
	rootCmd.Flags().BoolVar(&flagDirect, "direct", false, "generate fragments and execute them immediately, bypassing the queue")
	rootCmd.Flags().StringVar(&flagQuery, "query", "", "the SQL query text (required)")
	rootCmd.Flags().StringVar(&flagPartitionKey, "partition-key", "", "the partition key (required)")
	rootCmd.Flags().StringVar(&flagDatatype, "datatype", "integer", "the partition key's datatype")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	if flagQuery == "" || flagPartitionKey == "" {
		cliutil.Fatalf("--query and --partition-key are required")
	}
	modes := 0
	for _, b := range []bool{flagQueue, flagQueueOriginal, flagDirect} {
		if b {
			modes++
		}
	}
	if modes != 1 {
		cliutil.Fatalf("exactly one of --queue, --queue-original, --direct is required")
	}

	ctx := context.Background()
	cfg := cliutil.MustLoadConfig()
	pool := cliutil.MustOpenPool(ctx, cfg)
	defer pool.Close()

	switch {
	case flagQueueOriginal:
		q, err := queue.NewFromConfig(ctx, cfg, pool)
		if err != nil {
			cliutil.Fatalf("opening queue: %v", err)
		}
		defer q.Close()
		status, err := q.PushOriginal(ctx, flagQuery, flagPartitionKey, flagDatatype)
		if err != nil {
			cliutil.Fatalf("pushing original query: %v", err)
		}
		report(map[string]any{"status": status})

	case flagQueue:
		result, err := sqlfrag.GenerateFragments(flagQuery, flagPartitionKey, sqlfrag.DefaultOptions())
		if err != nil {
			cliutil.Fatalf("generating fragments: %v", err)
		}
		q, err := queue.NewFromConfig(ctx, cfg, pool)
		if err != nil {
			cliutil.Fatalf("opening queue: %v", err)
		}
		defer q.Close()
		fragments := make([]queue.Fragment, len(result.Fragments))
		for i, f := range result.Fragments {
			fragments[i] = queue.Fragment{Text: f.Text, Hash: f.Hash}
		}
		statuses, err := q.PushFragments(ctx, fragments, flagPartitionKey, flagDatatype, cfg.Backend)
		if err != nil {
			cliutil.Fatalf("pushing fragments: %v", err)
		}
		report(map[string]any{"fragments": len(fragments), "statuses": statuses, "warnings": result.Warnings})

	case flagDirect:
		result, err := sqlfrag.GenerateFragments(flagQuery, flagPartitionKey, sqlfrag.DefaultOptions())
		if err != nil {
			cliutil.Fatalf("generating fragments: %v", err)
		}
		backend, err := cache.NewFromConfig(ctx, cfg, pool, nil)
		if err != nil {
			cliutil.Fatalf("opening cache backend: %v", err)
		}
		defer backend.Close()
		if err := backend.RegisterPartitionKey(ctx, flagPartitionKey, cache.Datatype(flagDatatype)); err != nil {
			cliutil.Fatalf("registering partition key: %v", err)
		}

		source := &executor.PGSource{Pool: pool}
		locks := &executor.AdvisoryLocks{Pool: pool}
		timeout := time.Duration(cfg.Processor.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		processed := 0
		for _, f := range result.Fragments {
			if err := runDirect(ctx, backend, source, locks, flagPartitionKey, f, timeout); err != nil {
				cliutil.Fatalf("executing fragment %s: %v", f.Hash, err)
			}
			processed++
		}
		report(map[string]any{"fragments_executed": processed, "warnings": result.Warnings})
	}
}

func runDirect(ctx context.Context, backend cache.Backend, source *executor.PGSource, locks *executor.AdvisoryLocks, partitionKey string, f sqlfrag.Fragment, timeout time.Duration) error {
	unlock, _, err := locks.Acquire(ctx, partitionKey, f.Hash)
	if err != nil {
		return err
	}
	defer unlock()

	values, err := source.Run(ctx, f.Text, timeout)
	if err != nil {
		_ = backend.SetStatus(ctx, partitionKey, f.Hash, cache.StatusFailed)
		return err
	}
	if err := backend.Set(ctx, partitionKey, f.Hash, values); err != nil {
		return err
	}
	if err := backend.SetQuery(ctx, partitionKey, f.Hash, f.Text); err != nil {
		return err
	}
	return backend.SetStatus(ctx, partitionKey, f.Hash, cache.StatusOK)
}

func report(v any) {
	if jsonOutput {
		cliutil.OutputJSON(v)
		return
	}
	fmt.Printf("%+v\n", v)
}
