// Package cache defines the uniform backend contract every PartitionCache
// storage handler implements, plus the shared status/datatype vocabulary
// the relational and key-value backends both speak.
//
// One interface, several concrete backends selected by a factory, the
// way a partition-key-set store composes with a pool of storage engines.
package cache

import (
	"context"
	"time"
)

// Datatype names one of the partition-key value types a backend may be
// asked to store. A partition key has a single, fixed datatype for its
// lifetime.
type Datatype string

const (
	DatatypeInteger   Datatype = "integer"
	DatatypeFloat     Datatype = "float"
	DatatypeText      Datatype = "text"
	DatatypeTimestamp Datatype = "timestamp"
	// DatatypeGeometry is accepted only by the spatial backends (pgspatial).
	DatatypeGeometry Datatype = "geometry"
)

// QueryStatus is the lifecycle status of a query_hash tracked independently
// of whether a cache entry for it currently exists.
type QueryStatus string

const (
	StatusOK      QueryStatus = "ok"
	StatusTimeout QueryStatus = "timeout"
	StatusFailed  QueryStatus = "failed"
)

// Entry describes one cache row's bookkeeping fields, returned by backends
// that expose eviction metadata (created_at, last_seen, cardinality).
type Entry struct {
	QueryHash    string
	PartitionKey string
	CreatedAt    time.Time
	LastSeen     time.Time
	Count        int // cardinality of the stored partition-key set
}

// Backend is the uniform contract every storage handler implements. A
// returned bool of false with a nil error means "no such entry",
// distinguished from a real error.
type Backend interface {
	// RegisterPartitionKey declares a partition key's datatype. Calling it
	// again with a different datatype than previously registered is a
	// DatatypeConflict error; calling it again with the same datatype is a
	// no-op success.
	RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error

	// Set stores value for key under partitionKey, replacing any prior
	// value. A non-nil but empty value set is a valid, distinct state from
	// SetNull (see IsNull / decision §E.2 of SPEC_FULL.md).
	Set(ctx context.Context, partitionKey, key string, value []string) error

	// SetLazy runs lazySQL against the backend's own database at write time
	// and stores the resulting value set; backends with no SQL engine
	// behind them (the key-value ones) return an InvalidArgument error.
	SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error

	// Get returns the stored value set for key, or ok=false if absent.
	Get(ctx context.Context, partitionKey, key string) (value []string, ok bool, err error)

	// GetIntersected returns the intersection of every key's stored set,
	// plus how many of the requested keys actually had a cached entry.
	GetIntersected(ctx context.Context, partitionKey string, keys []string) (value []string, matchedKeys int, err error)

	// GetIntersectedLazy returns a SQL fragment computing the same
	// intersection GetIntersected would, for backends where deferring
	// materialization to the caller's eventual query is cheaper.
	GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (sqlExpr string, matchedKeys int, err error)

	// Exists reports whether an entry (including a null-sentinel entry) is
	// present for key.
	Exists(ctx context.Context, partitionKey, key string) (bool, error)

	// FilterExisting returns the subset of keys that have a cache entry.
	FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error)

	// Delete removes the cache entry for key, if any.
	Delete(ctx context.Context, partitionKey, key string) error

	// SetNull records key as a deliberate null-result entry, distinct from
	// both "absent" and "present with an empty set" (decision §E.2).
	SetNull(ctx context.Context, partitionKey, key string) error

	// IsNull reports whether key's entry is the null sentinel.
	IsNull(ctx context.Context, partitionKey, key string) (bool, error)

	// SetStatus/GetStatus track a query_hash's processing outcome
	// independent of whether a cache entry exists for it yet.
	SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error
	GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error)

	// SetQuery/GetQuery/ListQueries persist and retrieve the original SQL
	// text a query_hash was derived from, for observability and replay.
	SetQuery(ctx context.Context, partitionKey, queryHash, query string) error
	GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error)
	ListQueries(ctx context.Context, partitionKey string) ([]string, error)

	// Partitions lists every partition key registered with this backend.
	Partitions(ctx context.Context) ([]string, error)

	// Datatype returns the registered datatype for partitionKey, or ok=false
	// if it has never been registered.
	Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error)

	// Entries lists cache row bookkeeping for eviction strategies to rank
	// over.
	Entries(ctx context.Context, partitionKey string) ([]Entry, error)

	// Close releases any held connections/handles.
	Close() error
}

// SupportedDatatypes reports which Datatype values a given backend kind
// accepts, mirroring the per-backend check each RegisterPartitionKey
// implementation enforces directly (spec §4.2's backend-variant table).
func SupportedDatatypes(kind BackendKind) map[Datatype]bool {
	switch kind {
	case BackendPostgresArray:
		return map[Datatype]bool{DatatypeInteger: true, DatatypeFloat: true, DatatypeText: true, DatatypeTimestamp: true}
	case BackendPostgresBit, BackendPostgresRoaring, BackendRedisBit, BackendRedisRoaring:
		return map[Datatype]bool{DatatypeInteger: true}
	case BackendPostgresSpatialH3, BackendPostgresSpatialBBox:
		return map[Datatype]bool{DatatypeGeometry: true}
	case BackendRedisSet:
		return map[Datatype]bool{DatatypeInteger: true, DatatypeText: true}
	default:
		return nil
	}
}
