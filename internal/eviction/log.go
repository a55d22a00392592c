package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// PruneLogs deletes processor-log rows older than m.Config.LogRetain, the
// "log retention governed by eviction cron" spec §4.6/§6 describes. Takes
// the pool and table prefix directly rather than an *executor.Log so this
// package does not need a handle to a live Executor, only its log table's
// name.
func (m *Manager) PruneLogs(ctx context.Context, pool *pgxpool.Pool, processorTablePrefix string) (int64, error) {
	if m.Config.LogRetain <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-m.Config.LogRetain)
	tag, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s_processor_log WHERE created_at < $1`, processorTablePrefix), cutoff)
	if err != nil {
		return 0, pcerrors.Wrap(pcerrors.ExecutionError, "eviction.PruneLogs", err)
	}
	return tag.RowsAffected(), nil
}
