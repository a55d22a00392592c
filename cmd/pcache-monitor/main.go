// pcache-monitor is the client-side alternative to the cron-driven
// pipeline executor: a long-running process that polls the fragment
// queue on its own ticker instead of relying on pg_cron, bounded by
// --max-processes and --max-pending-jobs. A ticker-driven background
// loop wrapping one idempotent unit of work per tick.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/cliutil"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/lockfile"
	"github.com/partitioncache/partitioncache/internal/queue"
)

var (
	maxProcesses   int
	maxPendingJobs int
	intervalSec    int
	lockDir        string
)

var rootCmd = &cobra.Command{
	Use:   "pcache-monitor",
	Short: "Poll the fragment queue and run the pipeline executor in-process",
	Run:   run,
}

func init() {
	rootCmd.Flags().IntVar(&maxProcesses, "max-processes", 0, "override the processor's configured max parallel jobs (0 = use config)")
	rootCmd.Flags().IntVar(&maxPendingJobs, "max-pending-jobs", 0, "skip dispatching once this many jobs are queued (0 = unbounded)")
	rootCmd.Flags().IntVar(&intervalSec, "interval", 5, "seconds between polls")
	rootCmd.Flags().StringVar(&lockDir, "lock-dir", os.TempDir(), "directory holding the single-instance daemon.lock")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cliutil.MustLoadConfig()

	if running, pid := lockfile.TryDaemonLock(lockDir); running {
		cliutil.Fatalf("pcache-monitor already running as pid %d (lock dir %s)", pid, lockDir)
	}
	lockFile, err := lockfile.AcquireDaemonLock(lockDir, lockfile.LockInfo{
		PID: os.Getpid(), ParentPID: os.Getppid(), Database: cfg.DB.Name, StartedAt: time.Now(),
	})
	if err != nil {
		cliutil.Fatalf("acquiring single-instance lock in %s: %v", lockDir, err)
	}
	defer lockFile.Close()

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

	logger := slog.Default()
	ex := executor.NewFromConfig(cfg, pool, backend, q, logger)
	if maxProcesses > 0 {
		ex.Config.MaxParallelJobs = maxProcesses
	}
	ex.Config.Enabled = true

	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()

	logger.Info("pcache-monitor starting", "interval_seconds", intervalSec, "max_parallel_jobs", ex.Config.MaxParallelJobs)
	for {
		select {
		case <-ctx.Done():
			logger.Info("pcache-monitor shutting down")
			return
		case <-ticker.C:
			if maxPendingJobs > 0 {
				lengths, err := q.Lengths(ctx)
				if err != nil {
					logger.Error("checking queue depth", "error", err)
					continue
				}
				if lengths.Fragment >= maxPendingJobs {
					logger.Warn("queue depth at or above max-pending-jobs, skipping tick", "depth", lengths.Fragment, "max", maxPendingJobs)
					continue
				}
			}
			dispatched, err := ex.Tick(ctx, false, executor.SourceMonitor)
			if err != nil {
				logger.Error("tick failed", "error", err)
				continue
			}
			if dispatched > 0 {
				fmt.Fprintf(os.Stdout, "dispatched %d job(s)\n", dispatched)
			}
		}
	}
}
