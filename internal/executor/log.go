package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the terminal (or in-flight) state of one processor-log row,
// spec §4.4's per-job audit trail.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// ExecutionSource distinguishes a job run by the cron-scheduled processor
// from one run by pcache-monitor's client-side poller (spec §4.4, §D).
type ExecutionSource string

const (
	SourceCron    ExecutionSource = "cron"
	SourceManual  ExecutionSource = "manual"
	SourceMonitor ExecutionSource = "monitor"
)

// LogRow is one row of the <prefix>_processor_log table.
type LogRow struct {
	JobID           string
	FragmentHash    string
	PartitionKey    string
	Status          Status
	RowsAffected    int
	ExecutionTimeMs int
	ExecutionSource ExecutionSource
	ErrorMessage    string
	CreatedAt       time.Time
}

// Log persists LogRows to the processor-log table and also emits a
// structured slog record per row: every durable state change is paired
// with a corresponding log line at the same call site.
type Log struct {
	Pool        *pgxpool.Pool
	TablePrefix string
	Logger      *slog.Logger
}

func NewLog(pool *pgxpool.Pool, tablePrefix string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Pool: pool, TablePrefix: tablePrefix, Logger: logger}
}

func (l *Log) tableName() string { return l.TablePrefix + "_processor_log" }

// EnsureTable creates the processor-log table if absent.
func (l *Log) EnsureTable(ctx context.Context) error {
	_, err := l.Pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	fragment_hash TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	status TEXT NOT NULL,
	rows_affected INT NOT NULL DEFAULT 0,
	execution_time_ms INT NOT NULL DEFAULT 0,
	execution_source TEXT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, l.tableName()))
	return err
}

// Write inserts row and emits the matching slog record. Logging failures to
// persist the row are not fatal to job execution: the in-process slog line
// is the fallback record of what happened.
func (l *Log) Write(ctx context.Context, row LogRow) {
	attrs := []any{
		slog.String("job_id", row.JobID),
		slog.String("fragment_hash", row.FragmentHash),
		slog.String("partition_key", row.PartitionKey),
		slog.String("status", string(row.Status)),
		slog.Int("rows_affected", row.RowsAffected),
		slog.Int("execution_time_ms", row.ExecutionTimeMs),
		slog.String("execution_source", string(row.ExecutionSource)),
	}
	if row.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", row.ErrorMessage))
		l.Logger.Error("fragment job", attrs...)
	} else {
		l.Logger.Info("fragment job", attrs...)
	}

	if l.Pool == nil {
		return
	}
	if _, err := l.Pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (job_id, fragment_hash, partition_key, status, rows_affected, execution_time_ms, execution_source, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, l.tableName()),
		row.JobID, row.FragmentHash, row.PartitionKey, string(row.Status), row.RowsAffected,
		row.ExecutionTimeMs, string(row.ExecutionSource), nullIfEmpty(row.ErrorMessage), row.CreatedAt,
	); err != nil {
		l.Logger.Error("failed to persist processor log row", slog.String("error", err.Error()))
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
