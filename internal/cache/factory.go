package cache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// BackendKind names one of the concrete Backend implementations, matching
// the identifiers accepted for the CACHE_BACKEND environment variable.
type BackendKind string

const (
	BackendPostgresArray       BackendKind = "postgresql_array"
	BackendPostgresBit         BackendKind = "postgresql_bit"
	BackendPostgresRoaring     BackendKind = "postgresql_roaringbit"
	BackendPostgresSpatialH3   BackendKind = "postgresql_spatial_h3"
	BackendPostgresSpatialBBox BackendKind = "postgresql_spatial_bbox"
	BackendRedisSet            BackendKind = "redis_set"
	BackendRedisBit            BackendKind = "redis_bit"
	BackendRedisRoaring        BackendKind = "redis_roaringbit"
)

// Deps bundles the already-open connection handles a Backend constructor
// needs. Only one of Pool/Redis is required, depending on kind; factory
// construction opens neither itself, since callers share a single
// singleton-managed pool across many Backend instances (internal/singleton).
type Deps struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	TablePrefix string
	RedisPrefix string
	Bitsize     int
}

// New constructs the Backend named by kind, a dispatch-by-name factory
// over the concrete backend constructors.
func New(ctx context.Context, kind BackendKind, deps Deps) (Backend, error) {
	switch kind {
	case BackendPostgresArray:
		if deps.Pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("postgresql_array requires a pool"))
		}
		return newPGArrayBackend(ctx, deps.Pool, deps.TablePrefix)
	case BackendPostgresBit:
		if deps.Pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("postgresql_bit requires a pool"))
		}
		return newPGBitBackend(ctx, deps.Pool, deps.TablePrefix, deps.Bitsize)
	case BackendPostgresRoaring:
		if deps.Pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("postgresql_roaringbit requires a pool"))
		}
		return newPGRoaringBackend(ctx, deps.Pool, deps.TablePrefix)
	case BackendPostgresSpatialH3:
		if deps.Pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("postgresql_spatial_h3 requires a pool"))
		}
		return newPGSpatialBackend(ctx, deps.Pool, deps.TablePrefix, spatialModeH3)
	case BackendPostgresSpatialBBox:
		if deps.Pool == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("postgresql_spatial_bbox requires a pool"))
		}
		return newPGSpatialBackend(ctx, deps.Pool, deps.TablePrefix, spatialModeBBox)
	case BackendRedisSet:
		if deps.Redis == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("redis_set requires a redis client"))
		}
		return newKVSetBackend(deps.Redis, deps.RedisPrefix), nil
	case BackendRedisBit:
		if deps.Redis == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("redis_bit requires a redis client"))
		}
		return newKVBitBackend(deps.Redis, deps.RedisPrefix, deps.Bitsize), nil
	case BackendRedisRoaring:
		if deps.Redis == nil {
			return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("redis_roaringbit requires a redis client"))
		}
		return newKVRoaringBackend(deps.Redis, deps.RedisPrefix), nil
	default:
		return nil, pcerrors.New(pcerrors.InvalidArgument, "cache.New", fmt.Errorf("unknown cache backend %q", kind))
	}
}

// NewFromConfig is the convenience constructor cmd/ binaries use, deriving
// BackendKind and table/redis prefixes from a loaded config.Config.
func NewFromConfig(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) (Backend, error) {
	return New(ctx, BackendKind(cfg.Backend), Deps{
		Pool:        pool,
		Redis:       rdb,
		TablePrefix: cfg.TablePrefix,
		RedisPrefix: cfg.Queue.RedisPrefix,
		Bitsize:     cfg.Bitsize,
	})
}
