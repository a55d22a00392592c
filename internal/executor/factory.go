package executor

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/queue"
)

// NewFromConfig wires an Executor from a loaded Config, the source pool
// (also used as the advisory-lock connection source), the already-opened
// cache backend, and the fragment queue.
func NewFromConfig(cfg *config.Config, pool *pgxpool.Pool, backend cache.Backend, q queue.Queue, logger *slog.Logger) *Executor {
	return &Executor{
		Queue:  q,
		Cache:  backend,
		Source: &PGSource{Pool: pool},
		Log:    NewLog(pool, cfg.Processor.TablePrefix, logger),
		Locks:  &AdvisoryLocks{Pool: pool},
		Config: Config{
			Enabled:         cfg.Processor.Enabled,
			MaxParallelJobs: cfg.Processor.MaxParallelJobs,
			TimeoutSeconds:  cfg.Processor.TimeoutSec,
			TablePrefix:     cfg.Processor.TablePrefix,
			DatabaseName:    cfg.DB.Name,
			JobOwner:        cfg.Processor.JobOwner,
			RetryMaxElapsed: 30 * time.Second,
		},
	}
}
