package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// Provider names one of the two concrete Queue implementations (spec §4.3
// "provider parity").
type Provider string

const (
	ProviderPostgres Provider = "postgresql"
	ProviderRedis    Provider = "redis"
)

// New constructs the Queue named by provider.
func New(ctx context.Context, provider Provider, pool *pgxpool.Pool, rdb *redis.Client, tablePrefix, redisPrefix string) (Queue, error) {
	switch provider {
	case ProviderPostgres:
		if pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "queue.New", fmt.Errorf("postgresql queue requires a pool"))
		}
		return NewPGQueue(ctx, pool, tablePrefix)
	case ProviderRedis:
		if rdb == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "queue.New", fmt.Errorf("redis queue requires a redis client"))
		}
		return NewKVQueue(rdb, redisPrefix), nil
	default:
		return nil, pcerrors.New(pcerrors.InvalidArgument, "queue.New", fmt.Errorf("unknown queue provider %q", provider))
	}
}

// NewFromConfig builds the relational queue the pipeline executor drains,
// the only provider the cron-scheduled executor ever opens itself; kv-queue
// construction is the caller's explicit choice (pcache-monitor) since it
// targets a different substrate than the executor.
func NewFromConfig(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (Queue, error) {
	return New(ctx, ProviderPostgres, pool, nil, cfg.Queue.TablePrefix, cfg.Queue.RedisPrefix)
}
