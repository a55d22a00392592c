// pcache-postgresql-cache-eviction manages the eviction manager's cron
// job registration (spec §4.6, §6: "pcache-postgresql-cache-eviction
// {setup,verify,remove}").
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/cliutil"
	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/croninstall"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "pcache-postgresql-cache-eviction",
	Short: "Manage the PartitionCache eviction manager's cron job",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.AddCommand(setupCmd, verifyCmd, removeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// evictionTickCommand mirrors the queue processor's pg_notify bookkeeping
// approach (internal/croninstall's package doc explains why).
func evictionTickCommand(jobName string) string {
	return fmt.Sprintf(`SELECT pg_notify('%s', '')`, jobName)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Register the eviction cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		jobName := config.EvictionJobName(cfg.DB.Name, cfg.Eviction.TablePrefix)
		// Eviction runs on a fixed hourly schedule, coarser than the
		// executor's tick; no setting changes it.
		schedule := "0 * * * *"
		if err := croninstall.Schedule(ctx, pool, jobName, schedule, evictionTickCommand(jobName)); err != nil {
			cliutil.Fatalf("registering cron job: %v", err)
		}
		if jsonOutput {
			cliutil.OutputJSON(map[string]string{"job_name": jobName, "schedule": schedule})
			return
		}
		fmt.Printf("Registered %s (%s)\n", jobName, schedule)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the eviction cron job's registration state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		jobName := config.EvictionJobName(cfg.DB.Name, cfg.Eviction.TablePrefix)
		job, ok, err := croninstall.Status(ctx, pool, jobName)
		if err != nil {
			cliutil.Fatalf("checking status: %v", err)
		}
		if !ok {
			if jsonOutput {
				cliutil.OutputJSON(map[string]any{"job_name": jobName, "registered": false})
			} else {
				fmt.Printf("%s is not registered\n", jobName)
			}
			os.Exit(1)
		}
		if jsonOutput {
			cliutil.OutputJSON(job)
			return
		}
		fmt.Printf("%s: schedule=%s active=%v\n", job.JobName, job.Schedule, job.Active)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Unregister the eviction cron job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := cliutil.MustLoadConfig()
		pool := cliutil.MustOpenPool(ctx, cfg)
		defer pool.Close()

		jobName := config.EvictionJobName(cfg.DB.Name, cfg.Eviction.TablePrefix)
		if err := croninstall.Unschedule(ctx, pool, jobName); err != nil {
			cliutil.Fatalf("removing %s: %v", jobName, err)
		}
		fmt.Printf("Removed %s\n", jobName)
	},
}
