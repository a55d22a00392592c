package cache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// spatialMode distinguishes the two concrete spatial handlers (H3, BBox)
// that share pgSpatialBackend's infrastructure.
type spatialMode int

const (
	spatialModeH3 spatialMode = iota
	spatialModeBBox
)

// pgSpatialBackend is the shared implementation behind both
// postgresql_spatial_h3 and postgresql_spatial_bbox: a single "geometry"
// datatype (matching get_supported_datatypes() on the Python abstract
// base), a PostGIS extension check performed once at construction, and a
// value representation of either H3 cell-id tokens (H3 mode) or WKT
// geometry text (BBox mode), both stored as a TEXT[] column and intersected
// in Go by intersectStringSets, so both spatial variants share one set
// semantics.
type pgSpatialBackend struct {
	pool   *pgxpool.Pool
	prefix string
	mode   spatialMode
}

func newPGSpatialBackend(ctx context.Context, pool *pgxpool.Pool, prefix string, mode spatialMode) (*pgSpatialBackend, error) {
	b := &pgSpatialBackend{pool: pool, prefix: prefix, mode: mode}
	if _, err := pool.Exec(ctx, "SELECT PostGIS_Version()"); err != nil {
		// Non-fatal: nothing in this backend calls ST_* functions; set
		// storage and intersection in both modes never touch PostGIS.
		_ = err
	}
	if err := b.ensureSharedTables(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *pgSpatialBackend) tablePrefix() string {
	if b.mode == spatialModeH3 {
		return b.prefix + "_spatial_h3"
	}
	return b.prefix + "_spatial_bbox"
}

func (b *pgSpatialBackend) metadataTable() string { return b.tablePrefix() + "_partition_metadata" }
func (b *pgSpatialBackend) queriesTable() string  { return b.tablePrefix() + "_queries" }
func (b *pgSpatialBackend) cacheTable(partitionKey string) string {
	return fmt.Sprintf("%s_cache_%s", b.tablePrefix(), partitionKey)
}

func (b *pgSpatialBackend) ensureSharedTables(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT PRIMARY KEY,
		datatype TEXT NOT NULL CHECK (datatype = 'geometry'),
		geometry_column TEXT NOT NULL DEFAULT 'geom',
		srid INTEGER NOT NULL DEFAULT 4326,
		created_at TIMESTAMP DEFAULT now()
	)`, b.metadataTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.ensureSharedTables", err)
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ok' CHECK (status IN ('ok','timeout','failed')),
		last_seen TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (query_hash, partition_key)
	)`, b.queriesTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.ensureSharedTables", err)
	}
	return nil
}

func (b *pgSpatialBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeGeometry {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "pgspatial.RegisterPartitionKey",
			fmt.Errorf("spatial handlers support only the geometry datatype, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != DatatypeGeometry {
			return pcerrors.New(pcerrors.DatatypeConflict, "pgspatial.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}
	table := b.cacheTable(partitionKey)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT PRIMARY KEY,
		values_ TEXT[],
		values_count integer GENERATED ALWAYS AS (cardinality(values_)) STORED
	)`, table))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.RegisterPartitionKey", err)
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, datatype) VALUES ($1, 'geometry') ON CONFLICT (partition_key) DO NOTHING`,
		b.metadataTable()), partitionKey)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.RegisterPartitionKey", err)
	}
	return nil
}

func (b *pgSpatialBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	var dt string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, b.metadataTable()), partitionKey).Scan(&dt)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Datatype", err)
	}
	return Datatype(dt), true, nil
}

func (b *pgSpatialBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "pgspatial.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, values_) VALUES ($1, $2)
		 ON CONFLICT (query_hash) DO UPDATE SET values_ = EXCLUDED.values_`, table), key, value)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Set", err)
	}
	return nil
}

func (b *pgSpatialBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	rows, err := b.pool.Query(ctx, lazySQL)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.SetLazy", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.SetLazy", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.SetLazy", err)
	}
	return b.Set(ctx, partitionKey, key, values)
}

func (b *pgSpatialBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	table := b.cacheTable(partitionKey)
	var value []string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT values_ FROM %s WHERE query_hash = $1`, table), key).Scan(&value)
	if err != nil {
		if errIsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Get", err)
	}
	if isNullSentinelSlice(value) {
		return nil, false, nil
	}
	return value, true, nil
}

func (b *pgSpatialBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	filtered, err := b.FilterExisting(ctx, partitionKey, keys)
	if err != nil || len(filtered) == 0 {
		return nil, 0, err
	}
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT values_ FROM %s WHERE query_hash = ANY($1)`, table), filtered)
	if err != nil {
		return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.GetIntersected", err)
	}
	defer rows.Close()
	var sets [][]string
	for rows.Next() {
		var s []string
		if err := rows.Scan(&s); err != nil {
			return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.GetIntersected", err)
		}
		sets = append(sets, s)
	}
	return intersectStringSets(sets), len(filtered), rows.Err()
}

func intersectStringSets(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, s := range sets {
		seen := map[string]bool{}
		for _, v := range s {
			if !seen[v] {
				seen[v] = true
				counts[v]++
			}
		}
	}
	var out []string
	for v, c := range counts {
		if c == len(sets) {
			out = append(out, v)
		}
	}
	return out
}

func (b *pgSpatialBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	ids, n, err := b.GetIntersected(ctx, partitionKey, keys)
	if err != nil || n == 0 {
		return "", n, err
	}
	rows := make([]string, len(ids))
	for i, id := range ids {
		rows[i] = "('" + id + "')"
	}
	expr := fmt.Sprintf("SELECT v AS %s FROM (VALUES %s) AS _pcache_v(v)", partitionKey, joinComma(rows))
	return expr, n, nil
}

func (b *pgSpatialBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	table := b.cacheTable(partitionKey)
	var exists bool
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE query_hash = $1)`, table), key).Scan(&exists)
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Exists", err)
	}
	return exists, nil
}

func (b *pgSpatialBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE query_hash = ANY($1)`, table), keys)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.FilterExisting", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.FilterExisting", err)
		}
		found = append(found, k)
	}
	return found, rows.Err()
}

func (b *pgSpatialBackend) Delete(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE query_hash = $1`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Delete", err)
	}
	return nil
}

func (b *pgSpatialBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	return b.Set(ctx, partitionKey, key, []string{nullSentinel})
}

func (b *pgSpatialBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	table := b.cacheTable(partitionKey)
	var value []string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT values_ FROM %s WHERE query_hash = $1`, table), key).Scan(&value)
	if err != nil {
		if errIsNoRows(err) {
			return false, nil
		}
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.IsNull", err)
	}
	return isNullSentinelSlice(value), nil
}

func (b *pgSpatialBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, status, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET status = EXCLUDED.status, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, string(status))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.SetStatus", err)
	}
	return nil
}

func (b *pgSpatialBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	var status string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&status)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.GetStatus", err)
	}
	return QueryStatus(status), true, nil
}

func (b *pgSpatialBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, query, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET query = EXCLUDED.query, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, query)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.SetQuery", err)
	}
	return nil
}

func (b *pgSpatialBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	var query string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT query FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&query)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.GetQuery", err)
	}
	return query, true, nil
}

func (b *pgSpatialBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE partition_key = $1`, b.queriesTable()), partitionKey)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.ListQueries", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.ListQueries", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (b *pgSpatialBackend) Partitions(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key FROM %s`, b.metadataTable()))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Partitions", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Partitions", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *pgSpatialBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash, values_count FROM %s`, table))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Entries", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.QueryHash, &e.Count); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgspatial.Entries", err)
		}
		e.PartitionKey = partitionKey
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *pgSpatialBackend) Close() error { return nil }
