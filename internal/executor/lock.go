package executor

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// AdvisoryLocks serializes the executor against concurrent writers of the
// same (partition_key, fragment_hash) cell — most importantly the eviction
// job, which must never delete a cache entry the executor is mid-write on.
// Grounded on the same pg_advisory_xact_lock idiom internal/cache/pgbit.go
// uses for its bitsize-resize critical section, widened here to a
// session-level lock (internal/cache's use is scoped to one transaction;
// the executor's write spans a Source.Run plus two Backend writes, so the
// lock must outlive any single statement).
type AdvisoryLocks struct {
	Pool *pgxpool.Pool
}

func lockKey(partitionKey, fragmentHash string) (int64, int64) {
	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(partitionKey))
	h2 := fnv.New64a()
	_, _ = h2.Write([]byte(fragmentHash))
	return int64(h1.Sum64()), int64(h2.Sum64())
}

// Acquire blocks until the lock for (partitionKey, fragmentHash) is held,
// returning an unlock func, how long the wait took (for the lock-wait
// histogram), and any error. The lock is held on a single reserved
// connection checked out of the pool for the duration, since session-level
// advisory locks are connection-scoped.
func (l *AdvisoryLocks) Acquire(ctx context.Context, partitionKey, fragmentHash string) (unlock func(), waitMs float64, err error) {
	k1, k2 := lockKey(partitionKey, fragmentHash)
	start := time.Now()

	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "executor.AdvisoryLocks.Acquire", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, $2)`, k1, k2); err != nil {
		conn.Release()
		return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "executor.AdvisoryLocks.Acquire", err)
	}
	waitMs = float64(time.Since(start).Milliseconds())

	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1, $2)`, k1, k2)
		conn.Release()
	}, waitMs, nil
}
