package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// lockProbeTimeout bounds how long one upsert's row lock probe may wait
// before the caller sees skipped_locked/skipped_concurrent instead of
// blocking the caller more than briefly. A single pgx transaction per
// operation, using a SET LOCAL lock_timeout probe for the upsert path
// since upsert must distinguish "locked by someone else" from "raced by
// a concurrent insert" while pop only needs to skip.
const lockProbeTimeout = 20 * time.Millisecond

// PGQueue is the relational queue implementation, one pair of tables
// (original queue, fragment queue) per table prefix. This is the
// implementation exercised by the in-database pipeline executor.
type PGQueue struct {
	pool   *pgxpool.Pool
	prefix string
}

// NewPGQueue opens (creating if absent) the two queue tables under prefix.
func NewPGQueue(ctx context.Context, pool *pgxpool.Pool, prefix string) (*PGQueue, error) {
	if prefix == "" {
		prefix = "partitioncache_queue"
	}
	q := &PGQueue{pool: pool, prefix: prefix}
	if err := q.ensureTables(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PGQueue) originalTable() string { return q.prefix + "_original" }
func (q *PGQueue) fragmentTable() string { return q.prefix + "_fragment" }

func (q *PGQueue) ensureTables(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_text TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		datatype TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		enqueued_at TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (query_text, partition_key)
	)`, q.originalTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.ensureTables", err)
	}
	_, err = q.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		fragment_hash TEXT NOT NULL,
		fragment_text TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		datatype TEXT NOT NULL,
		cache_backend_hint TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		enqueued_at TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (fragment_hash, partition_key)
	)`, q.fragmentTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.ensureTables", err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 lock_not_available: our SET LOCAL lock_timeout fired.
		return pgErr.Code == "55P03"
	}
	return false
}

// upsert runs the non-blocking coalescing upsert spec §4.3 describes for
// one key: a short-lived transaction sets a tight lock_timeout, then
// attempts INSERT ... ON CONFLICT DO UPDATE in a single statement. If the
// statement times out waiting for a row lock, a cheap unlocked pre-read
// distinguishes "someone else is updating an existing row" (skipped_locked)
// from "someone else is racing our first insert" (skipped_concurrent).
func (q *PGQueue) upsert(ctx context.Context, existsQuery string, existsArgs []any, upsertQuery string, upsertArgs []any) (UpsertStatus, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return "", pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.upsert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockProbeTimeout.Milliseconds())); err != nil {
		return "", pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.upsert", err)
	}

	var inserted bool
	err = tx.QueryRow(ctx, upsertQuery, upsertArgs...).Scan(&inserted)
	if err != nil {
		if isLockTimeout(err) {
			var existedBefore bool
			_ = q.pool.QueryRow(ctx, existsQuery, existsArgs...).Scan(&existedBefore)
			if existedBefore {
				return StatusSkippedLocked, nil
			}
			return StatusSkippedConcurrent, nil
		}
		return "", pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.upsert", err)
	}
	if inserted {
		return StatusInserted, nil
	}
	return StatusUpdated, nil
}

func (q *PGQueue) PushOriginal(ctx context.Context, query, partitionKey, datatype string) (UpsertStatus, error) {
	existsQuery := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE query_text = $1 AND partition_key = $2)`, q.originalTable())
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (query_text, partition_key, datatype, priority, enqueued_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (query_text, partition_key) DO UPDATE
			SET priority = %s.priority + 1, enqueued_at = now()
		RETURNING (xmax = 0)`, q.originalTable(), q.originalTable())
	return q.upsert(ctx, existsQuery, []any{query, partitionKey}, upsertQuery, []any{query, partitionKey, datatype})
}

func (q *PGQueue) PushFragments(ctx context.Context, fragments []Fragment, partitionKey, datatype, backendHint string) ([]UpsertStatus, error) {
	statuses := make([]UpsertStatus, len(fragments))
	existsQuery := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE fragment_hash = $1 AND partition_key = $2)`, q.fragmentTable())
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (fragment_hash, fragment_text, partition_key, datatype, cache_backend_hint, priority, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
		ON CONFLICT (fragment_hash, partition_key) DO UPDATE
			SET priority = %s.priority + 1, enqueued_at = now()
		RETURNING (xmax = 0)`, q.fragmentTable(), q.fragmentTable())
	for i, f := range fragments {
		status, err := q.upsert(ctx,
			existsQuery, []any{f.Hash, partitionKey},
			upsertQuery, []any{f.Hash, f.Text, partitionKey, datatype, backendHint})
		if err != nil {
			return statuses, err
		}
		statuses[i] = status
	}
	return statuses, nil
}

func (q *PGQueue) PopOriginal(ctx context.Context) (OriginalItem, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return OriginalItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopOriginal", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var item OriginalItem
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT query_text, partition_key, datatype, priority, enqueued_at FROM %s
		ORDER BY priority DESC, enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, q.originalTable())).Scan(&item.QueryText, &item.PartitionKey, &item.Datatype, &item.Priority, &item.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OriginalItem{}, false, nil
		}
		return OriginalItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopOriginal", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE query_text = $1 AND partition_key = $2`, q.originalTable()),
		item.QueryText, item.PartitionKey); err != nil {
		return OriginalItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopOriginal", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return OriginalItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopOriginal", err)
	}
	return item, true, nil
}

func (q *PGQueue) PopFragment(ctx context.Context) (FragmentItem, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return FragmentItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopFragment", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var item FragmentItem
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT fragment_hash, fragment_text, partition_key, datatype, cache_backend_hint, priority, enqueued_at FROM %s
		ORDER BY priority DESC, enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, q.fragmentTable())).Scan(
		&item.FragmentHash, &item.FragmentText, &item.PartitionKey, &item.Datatype, &item.BackendHint, &item.Priority, &item.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FragmentItem{}, false, nil
		}
		return FragmentItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopFragment", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE fragment_hash = $1 AND partition_key = $2`, q.fragmentTable()),
		item.FragmentHash, item.PartitionKey); err != nil {
		return FragmentItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopFragment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return FragmentItem{}, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.PopFragment", err)
	}
	return item, true, nil
}

func (q *PGQueue) Lengths(ctx context.Context) (Lengths, error) {
	var l Lengths
	if err := q.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, q.originalTable())).Scan(&l.Original); err != nil {
		return l, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.Lengths", err)
	}
	if err := q.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, q.fragmentTable())).Scan(&l.Fragment); err != nil {
		return l, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.Lengths", err)
	}
	return l, nil
}

func (q *PGQueue) ClearOriginal(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, q.originalTable()))
	if err != nil {
		return 0, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.ClearOriginal", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PGQueue) ClearFragment(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, q.fragmentTable()))
	if err != nil {
		return 0, pcerrors.Wrap(pcerrors.ExecutionError, "pgqueue.ClearFragment", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PGQueue) ClearAll(ctx context.Context) (int, int, error) {
	o, err := q.ClearOriginal(ctx)
	if err != nil {
		return 0, 0, err
	}
	f, err := q.ClearFragment(ctx)
	if err != nil {
		return o, 0, err
	}
	return o, f, nil
}

func (q *PGQueue) Close() error { return nil }
