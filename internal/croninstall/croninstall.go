// Package croninstall wraps the pg_cron SQL functions (cron.schedule,
// cron.unschedule, cron.job) the scheduler interface spec §6 describes:
// "a cron-like facility inside the database server... keyed by job
// name". PartitionCache itself never runs a scheduler loop in-process
// for the cron-driven path; it only registers/inspects jobs pg_cron runs.
package croninstall

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// Job describes one row of pg_cron's cron.job view relevant to status
// reporting.
type Job struct {
	JobID    int64
	JobName  string
	Schedule string
	Command  string
	Active   bool
}

// Schedule installs or updates a named cron job running sql on schedule,
// using cron.schedule(job_name, schedule, command) — re-calling with the
// same job_name replaces the prior definition, matching pg_cron's own
// idempotent-by-name semantics.
func Schedule(ctx context.Context, pool *pgxpool.Pool, jobName, schedule, sql string) error {
	_, err := pool.Exec(ctx, `SELECT cron.schedule($1, $2, $3)`, jobName, schedule, sql)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "croninstall.Schedule", err)
	}
	return nil
}

// Unschedule removes a named cron job. Removing a job name that does not
// exist is not an error: the SELECT over cron.job then matches no row, so
// cron.unschedule is never called.
func Unschedule(ctx context.Context, pool *pgxpool.Pool, jobName string) error {
	_, err := pool.Exec(ctx, `SELECT cron.unschedule(jobid) FROM cron.job WHERE jobname = $1`, jobName)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "croninstall.Unschedule", err)
	}
	return nil
}

// SetActive flips a job's active flag without removing its definition,
// backing the CLI's enable/disable subcommands.
func SetActive(ctx context.Context, pool *pgxpool.Pool, jobName string, active bool) error {
	_, err := pool.Exec(ctx, `UPDATE cron.job SET active = $2 WHERE jobname = $1`, jobName, active)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "croninstall.SetActive", err)
	}
	return nil
}

// Status returns the job row for jobName, ok=false if it is not
// registered.
func Status(ctx context.Context, pool *pgxpool.Pool, jobName string) (Job, bool, error) {
	var j Job
	err := pool.QueryRow(ctx, `SELECT jobid, jobname, schedule, command, active FROM cron.job WHERE jobname = $1`, jobName).
		Scan(&j.JobID, &j.JobName, &j.Schedule, &j.Command, &j.Active)
	if err == pgx.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "croninstall.Status", err)
	}
	return j, true, nil
}
