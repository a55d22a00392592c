// pcache-postgresql-queue-processor manages the pipeline executor's
// cron-visible job registration and its synchronous test/manual-process
// entry points (spec §4.4, §6: "pcache-postgresql-queue-processor
// {setup,enable,disable,config,status,logs,remove,test,manual-process}").
//
// The cron job this registers is a bookkeeping row pg_cron (or an
// operator's own scheduler) can key off of by name; the actual fragment
// execution in this Go rewrite runs inside this process (test,
// manual-process) or inside pcache-monitor's polling loop, since a Go
// Executor cannot be invoked directly from a plpgsql cron callback the
// way the original's pure-SQL processor could.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/cliutil"
	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/croninstall"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/queue"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "pcache-postgresql-queue-processor",
	Short: "Manage the PartitionCache pipeline executor's cron job",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.AddCommand(setupCmd, enableCmd, disableCmd, configCmd, statusCmd, logsCmd, removeCmd, testCmd, manualProcessCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func tickCommand(jobName string) string {
	return fmt.Sprintf(`SELECT pg_notify('%s', '')`, jobName)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the processor log table and register the cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		log := executor.NewLog(pool, cfg.Processor.TablePrefix, nil)
		if err := log.EnsureTable(ctx); err != nil {
			cliutil.Fatalf("creating processor log table: %v", err)
		}

		jobName := config.ProcessorJobName(cfg.DB.Name, cfg.Processor.TablePrefix)
		schedule := config.CronSchedule(cfg.Processor.Frequency())
		if err := croninstall.Schedule(ctx, pool, jobName, schedule, tickCommand(jobName)); err != nil {
			cliutil.Fatalf("registering cron job: %v", err)
		}
		if !cfg.Processor.Enabled {
			if err := croninstall.SetActive(ctx, pool, jobName, false); err != nil {
				cliutil.Fatalf("disabling cron job: %v", err)
			}
		}

		if jsonOutput {
			cliutil.OutputJSON(map[string]string{"job_name": jobName, "schedule": schedule})
			return
		}
		fmt.Printf("Registered %s (%s)\n", jobName, schedule)
	},
}

func jobNameFromConfig() (string, *config.Config) {
	cfg := cliutil.MustLoadConfig()
	return config.ProcessorJobName(cfg.DB.Name, cfg.Processor.TablePrefix), cfg
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Activate the processor cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		jobName, cfg := jobNameFromConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		if err := croninstall.SetActive(ctx, pool, jobName, true); err != nil {
			cliutil.Fatalf("enabling %s: %v", jobName, err)
		}
		fmt.Printf("Enabled %s\n", jobName)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Deactivate the processor cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		jobName, cfg := jobNameFromConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		if err := croninstall.SetActive(ctx, pool, jobName, false); err != nil {
			cliutil.Fatalf("disabling %s: %v", jobName, err)
		}
		fmt.Printf("Disabled %s\n", jobName)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective processor configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := cliutil.MustLoadConfig()
		if jsonOutput {
			cliutil.OutputJSON(cfg.Processor)
			return
		}
		fmt.Printf("%+v\n", cfg.Processor)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the processor cron job's registration state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		jobName, cfg := jobNameFromConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		job, ok, err := croninstall.Status(ctx, pool, jobName)
		if err != nil {
			cliutil.Fatalf("reading status: %v", err)
		}
		if !ok {
			if jsonOutput {
				cliutil.OutputJSON(map[string]any{"job_name": jobName, "registered": false})
				return
			}
			fmt.Printf("%s is not registered\n", jobName)
			return
		}
		if jsonOutput {
			cliutil.OutputJSON(job)
			return
		}
		fmt.Printf("%s: schedule=%s active=%v\n", job.JobName, job.Schedule, job.Active)
	},
}

var logsLimit int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the most recent processor-log rows",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		rows, err := pool.Query(ctx,
			fmt.Sprintf(`SELECT job_id, fragment_hash, partition_key, status, rows_affected, execution_time_ms, created_at
			             FROM %s_processor_log ORDER BY created_at DESC LIMIT $1`, cfg.Processor.TablePrefix), logsLimit)
		if err != nil {
			cliutil.Fatalf("reading logs: %v", err)
		}
		defer rows.Close()

		type row struct {
			JobID, FragmentHash, PartitionKey, Status string
			RowsAffected, ExecutionTimeMs              int
			CreatedAt                                  string
		}
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.JobID, &r.FragmentHash, &r.PartitionKey, &r.Status, &r.RowsAffected, &r.ExecutionTimeMs, &r.CreatedAt); err != nil {
				cliutil.Fatalf("scanning log row: %v", err)
			}
			out = append(out, r)
		}
		if jsonOutput {
			cliutil.OutputJSON(out)
			return
		}
		for _, r := range out {
			fmt.Printf("%s  %-10s  %s/%s  rows=%d  %dms  %s\n", r.CreatedAt, r.Status, r.PartitionKey, r.FragmentHash, r.RowsAffected, r.ExecutionTimeMs, r.JobID)
		}
	},
}

func init() {
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "number of log rows to show")
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Unregister the processor cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		jobName, cfg := jobNameFromConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()
		if err := croninstall.Unschedule(ctx, pool, jobName); err != nil {
			cliutil.Fatalf("removing %s: %v", jobName, err)
		}
		fmt.Printf("Removed %s\n", jobName)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Process one queued fragment synchronously and report what happened",
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

		ex := executor.NewFromConfig(cfg, pool, backend, q, nil)
		n, msg, err := ex.ManualProcess(ctx, 1)
		if err != nil {
			cliutil.Fatalf("running test tick: %v", err)
		}
		if jsonOutput {
			cliutil.OutputJSON(map[string]any{"processed": n, "message": msg})
			return
		}
		fmt.Println(msg)
	},
}

var manualProcessBatchSize int

var manualProcessCmd = &cobra.Command{
	Use:   "manual-process",
	Short: "Synchronously drain up to --batch-size fragments",
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

		ex := executor.NewFromConfig(cfg, pool, backend, q, nil)
		n, msg, err := ex.ManualProcess(ctx, manualProcessBatchSize)
		if err != nil {
			cliutil.Fatalf("running manual-process: %v", err)
		}
		if jsonOutput {
			cliutil.OutputJSON(map[string]any{"processed": n, "message": msg})
			return
		}
		fmt.Println(msg)
	},
}

func init() {
	manualProcessCmd.Flags().IntVar(&manualProcessBatchSize, "batch-size", 10, "maximum number of fragments to process")
}
