// Package executor implements the pipeline executor: a scheduled,
// bounded-parallel loop that pops fragments off the fragment queue,
// executes them against the source database, stores the resulting
// partition-key set, and records a per-job log row.
//
// Bounded retry of transient errors follows a withRetry/backoff idiom,
// and an OTel-instrumented advisory lock guards the per-(partition_key,
// fragment_hash) pair the executor takes before writing a cache entry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
	"github.com/partitioncache/partitioncache/internal/queue"
)

// executorMetrics holds the OTel instruments the executor records,
// registered once against the global delegating meter provider.
var executorMetrics struct {
	jobsStarted  metric.Int64Counter
	jobDuration  metric.Float64Histogram
	lockWaitMs   metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/partitioncache/partitioncache/internal/executor")
	executorMetrics.jobsStarted, _ = m.Int64Counter("pcache.executor.jobs_started",
		metric.WithDescription("Fragment jobs dispatched by the pipeline executor"),
		metric.WithUnit("{job}"))
	executorMetrics.jobDuration, _ = m.Float64Histogram("pcache.executor.job_duration_ms",
		metric.WithDescription("Wall-clock duration of one fragment job"),
		metric.WithUnit("ms"))
	executorMetrics.lockWaitMs, _ = m.Float64Histogram("pcache.executor.lock_wait_ms",
		metric.WithDescription("Time spent waiting for a fragment's advisory write lock"),
		metric.WithUnit("ms"))
}

// Source runs fragment SQL against the source database. The relational
// cache backends and the executor both need to run arbitrary read SQL
// against the source database (distinct from the cache's own connection,
// per spec §1: "the source database that holds base tables" is an
// external collaborator), so this is a narrow seam rather than reusing
// cache.Backend.
type Source interface {
	// Run executes fragmentSQL with a statement-level timeout and returns
	// the distinct partition-key values it produced, as text — the cache
	// layer is responsible for any datatype-specific parsing.
	Run(ctx context.Context, fragmentSQL string, timeout time.Duration) ([]string, error)
}

// PGSource runs fragment SQL against a pgxpool.Pool, applying timeout via
// a per-statement `SET LOCAL statement_timeout`.
type PGSource struct {
	Pool *pgxpool.Pool
}

func (s *PGSource) Run(ctx context.Context, fragmentSQL string, timeout time.Duration) ([]string, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
	}
	rows, err := tx.Query(ctx, fragmentSQL)
	if err != nil {
		if isStatementTimeout(err) {
			return nil, pcerrors.Wrap(pcerrors.Timeout, "executor.PGSource.Run", err)
		}
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		if isStatementTimeout(err) {
			return nil, pcerrors.Wrap(pcerrors.Timeout, "executor.PGSource.Run", err)
		}
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "executor.PGSource.Run", err)
	}
	return values, nil
}

// isStatementTimeout reports whether err is Postgres error 57014
// (query_canceled), the code `statement_timeout` produces.
func isStatementTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57014"
	}
	return false
}

// Config bundles the executor's tunables, mirroring the pcache_config row.
type Config struct {
	Enabled         bool
	MaxParallelJobs int
	TimeoutSeconds  int
	TablePrefix     string
	DatabaseName    string
	JobOwner        string
	// RetryMaxElapsed bounds how long a transient ExecutionError is
	// retried before the job is marked failed.
	RetryMaxElapsed time.Duration
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Executor drains the fragment queue into the cache, bounded by
// concurrency, observable via the processor log, controllable via Config.
type Executor struct {
	Queue   queue.Queue
	Cache   cache.Backend
	Source  Source
	Log     *Log
	Locks   *AdvisoryLocks
	Config  Config

	mu     sync.Mutex
	active int
}

// Tick runs one cron-tick iteration of the top-level loop spec §4.4
// pseudocode describes: pop up to `free` fragments and spawn execute_job
// for each, where free = max(0, MaxParallelJobs - active-job-count).
// Tick returns only after every job it dispatched has finished: with sync
// false the jobs run concurrently in goroutines, with sync true they run
// one after another on the calling goroutine.
// source records which caller triggered this tick (spec §4.4/§D: cron,
// manual, or pcache-monitor) in every processor-log row the tick produces.
func (e *Executor) Tick(ctx context.Context, sync bool, source ExecutionSource) (dispatched int, err error) {
	if !e.Config.Enabled {
		return 0, nil
	}

	e.mu.Lock()
	free := e.Config.MaxParallelJobs - e.active
	e.mu.Unlock()
	if free <= 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < free; i++ {
		item, ok, err := e.Queue.PopFragment(ctx)
		if err != nil {
			return dispatched, err
		}
		if !ok {
			break
		}
		e.mu.Lock()
		e.active++
		e.mu.Unlock()
		dispatched++
		run := func() {
			defer func() {
				e.mu.Lock()
				e.active--
				e.mu.Unlock()
			}()
			e.executeJob(ctx, item, source)
		}
		if sync {
			run()
		} else {
			wg.Add(1)
			go func() { defer wg.Done(); run() }()
		}
	}
	if sync {
		// sync jobs already ran inline above.
		return dispatched, nil
	}
	wg.Wait()
	return dispatched, nil
}

// executeJob runs one fragment end to end: log started, optimistically
// mark the query status ok, run the SQL with a bounded retry for
// transient ExecutionErrors, store the result (or a terminal status on
// timeout/failure), and log the terminal outcome. Matches spec §4.4's
// execute_job pseudocode exactly, including optimistic status-before-
// execution (so a crash mid-run never leaves a query_hash un-statused).
// source is recorded on every log row this job produces, so a
// processor-log reader can tell a cron tick apart from a manual/test run
// or a pcache-monitor poll.
func (e *Executor) executeJob(ctx context.Context, item queue.FragmentItem, source ExecutionSource) {
	jobID := uuid.NewString()
	start := time.Now()
	executorMetrics.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("partition_key", item.PartitionKey)))
	e.Log.Write(ctx, LogRow{JobID: jobID, FragmentHash: item.FragmentHash, PartitionKey: item.PartitionKey,
		Status: StatusStarted, ExecutionSource: source, CreatedAt: start})

	unlock, waitMs, err := e.Locks.Acquire(ctx, item.PartitionKey, item.FragmentHash)
	if err != nil {
		e.finish(ctx, jobID, item, StatusFailed, 0, start, err, source)
		return
	}
	executorMetrics.lockWaitMs.Record(ctx, waitMs)
	defer unlock()

	if err := e.Cache.SetStatus(ctx, item.PartitionKey, item.FragmentHash, cache.StatusOK); err != nil {
		e.finish(ctx, jobID, item, StatusFailed, 0, start, err, source)
		return
	}

	var values []string
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.retryMaxElapsed()
	runErr := backoff.Retry(func() error {
		v, err := e.Source.Run(ctx, item.FragmentText, e.Config.timeout())
		if err != nil {
			if pcerrors.Is(err, pcerrors.Timeout) {
				return backoff.Permanent(err)
			}
			if pcerrors.Is(err, pcerrors.ExecutionError) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		values = v
		return nil
	}, backoff.WithContext(bo, ctx))

	if runErr != nil {
		if pcerrors.Is(runErr, pcerrors.Timeout) {
			_ = e.Cache.SetStatus(ctx, item.PartitionKey, item.FragmentHash, cache.StatusTimeout)
			e.finish(ctx, jobID, item, StatusTimeout, 0, start, runErr, source)
			return
		}
		_ = e.Cache.SetStatus(ctx, item.PartitionKey, item.FragmentHash, cache.StatusFailed)
		e.finish(ctx, jobID, item, StatusFailed, 0, start, runErr, source)
		return
	}

	if err := e.Cache.Set(ctx, item.PartitionKey, item.FragmentHash, values); err != nil {
		_ = e.Cache.SetStatus(ctx, item.PartitionKey, item.FragmentHash, cache.StatusFailed)
		e.finish(ctx, jobID, item, StatusFailed, 0, start, err, source)
		return
	}
	if err := e.Cache.SetQuery(ctx, item.PartitionKey, item.FragmentHash, item.FragmentText); err != nil {
		e.finish(ctx, jobID, item, StatusFailed, len(values), start, err, source)
		return
	}
	e.finish(ctx, jobID, item, StatusSuccess, len(values), start, nil, source)
}

func (e *Executor) retryMaxElapsed() time.Duration {
	if e.Config.RetryMaxElapsed <= 0 {
		return 30 * time.Second
	}
	return e.Config.RetryMaxElapsed
}

func (e *Executor) finish(ctx context.Context, jobID string, item queue.FragmentItem, status Status, rowsAffected int, start time.Time, jobErr error, source ExecutionSource) {
	elapsedMs := time.Since(start).Milliseconds()
	executorMetrics.jobDuration.Record(ctx, float64(elapsedMs), metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("partition_key", item.PartitionKey),
	))
	row := LogRow{
		JobID: jobID, FragmentHash: item.FragmentHash, PartitionKey: item.PartitionKey,
		Status: status, RowsAffected: rowsAffected, ExecutionTimeMs: int(elapsedMs),
		ExecutionSource: source, CreatedAt: time.Now(),
	}
	if jobErr != nil {
		row.ErrorMessage = jobErr.Error()
	}
	e.Log.Write(ctx, row)
}

// ManualProcess pops and executes up to batchSize items synchronously,
// returning (processed_count, message), for tests and CI callers that
// cannot wait for cron (spec §4.4 "manual_process"). Every job it runs is
// logged with ExecutionSource SourceManual.
func (e *Executor) ManualProcess(ctx context.Context, batchSize int) (int, string, error) {
	processed := 0
	for processed < batchSize {
		item, ok, err := e.Queue.PopFragment(ctx)
		if err != nil {
			return processed, "", err
		}
		if !ok {
			break
		}
		e.executeJob(ctx, item, SourceManual)
		processed++
	}
	return processed, fmt.Sprintf("processed %d fragment(s)", processed), nil
}
