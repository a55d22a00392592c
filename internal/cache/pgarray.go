package cache

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

// pgArrayBackend stores each partition's value sets as a native Postgres
// array column, one table per partition key: a shared metadata table
// records each partition key's datatype, a shared queries table tracks
// query_hash -> (status, text), and per-partition cache tables carry a
// generated partition_keys_count column plus a GIN index, falling back
// from the intarray-specific gin__int_ops operator class to a plain GIN
// index when the intarray extension is unavailable.
type pgArrayBackend struct {
	pool   *pgxpool.Pool
	prefix string
}

const nullSentinel = "\x00__pcache_null__"

func newPGArrayBackend(ctx context.Context, pool *pgxpool.Pool, prefix string) (*pgArrayBackend, error) {
	b := &pgArrayBackend{pool: pool, prefix: prefix}
	if err := b.ensureSharedTables(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *pgArrayBackend) metadataTable() string { return b.prefix + "_partition_metadata" }
func (b *pgArrayBackend) queriesTable() string  { return b.prefix + "_queries" }
func (b *pgArrayBackend) cacheTable(partitionKey string) string {
	return fmt.Sprintf("%s_cache_%s", b.prefix, partitionKey)
}

func (b *pgArrayBackend) ensureSharedTables(ctx context.Context) error {
	// Best-effort: the intarray extension speeds up integer intersections
	// but its absence (e.g. no superuser on a managed Postgres) is not
	// fatal.
	_, _ = b.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS intarray")

	_, err := b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT PRIMARY KEY,
		datatype TEXT NOT NULL CHECK (datatype IN ('integer','float','text','timestamp')),
		created_at TIMESTAMP DEFAULT now()
	)`, b.metadataTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ensureSharedTables", err)
	}

	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ok' CHECK (status IN ('ok','timeout','failed')),
		last_seen TIMESTAMP NOT NULL DEFAULT now(),
		PRIMARY KEY (query_hash, partition_key)
	)`, b.queriesTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ensureSharedTables", err)
	}

	return b.ensureIntersectAggregate(ctx)
}

// ensureIntersectAggregate installs array_intersect_agg, the custom
// aggregate GetIntersected/GetIntersectedLazy fold over — Postgres has no
// built-in array-intersection aggregate, so one is registered from a
// plain SQL set-returning function the first time this backend is opened.
// CREATE AGGREGATE has no IF NOT EXISTS form, so existence is checked
// against pg_proc first.
func (b *pgArrayBackend) ensureIntersectAggregate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `CREATE OR REPLACE FUNCTION pcache_array_intersect(anyarray, anyarray) RETURNS anyarray AS $$
		SELECT CASE WHEN $1 IS NULL THEN $2 ELSE ARRAY(SELECT UNNEST($1) INTERSECT SELECT UNNEST($2)) END
	$$ LANGUAGE sql IMMUTABLE`)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ensureIntersectAggregate", err)
	}

	var exists bool
	if err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = 'array_intersect_agg')`).Scan(&exists); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ensureIntersectAggregate", err)
	}
	if exists {
		return nil
	}
	if _, err := b.pool.Exec(ctx, `CREATE AGGREGATE array_intersect_agg(anyarray) (
		SFUNC = pcache_array_intersect,
		STYPE = anyarray
	)`); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ensureIntersectAggregate", err)
	}
	return nil
}

func sqlArrayType(dt Datatype) (string, error) {
	switch dt {
	case DatatypeInteger:
		return "INTEGER[]", nil
	case DatatypeFloat:
		return "NUMERIC[]", nil
	case DatatypeText:
		return "TEXT[]", nil
	case DatatypeTimestamp:
		return "TIMESTAMP[]", nil
	default:
		return "", fmt.Errorf("unsupported datatype for postgresql_array: %s", dt)
	}
}

func (b *pgArrayBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != datatype {
			return pcerrors.New(pcerrors.DatatypeConflict, "pgarray.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s, cannot use %s", partitionKey, existing, datatype))
		}
		return nil
	}

	arrType, err := sqlArrayType(datatype)
	if err != nil {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "pgarray.RegisterPartitionKey", err)
	}

	table := b.cacheTable(partitionKey)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT PRIMARY KEY,
		partition_keys %s,
		partition_keys_count integer GENERATED ALWAYS AS (cardinality(partition_keys)) STORED
	)`, table, arrType))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.RegisterPartitionKey", err)
	}

	if datatype == DatatypeInteger {
		if _, idxErr := b.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_partition_keys ON %s USING GIN (partition_keys gin__int_ops)`, table, table)); idxErr != nil {
			// Fall back to a plain GIN index if the intarray operator class
			// isn't installed.
			if _, err := b.pool.Exec(ctx, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_partition_keys ON %s USING GIN (partition_keys)`, table, table)); err != nil {
				return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.RegisterPartitionKey", err)
			}
		}
	} else {
		if _, err := b.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_partition_keys ON %s USING GIN (partition_keys)`, table, table)); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.RegisterPartitionKey", err)
		}
	}

	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, datatype) VALUES ($1, $2) ON CONFLICT (partition_key) DO NOTHING`, b.metadataTable()),
		partitionKey, string(datatype))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.RegisterPartitionKey", err)
	}
	return nil
}

func (b *pgArrayBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	var dt string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, b.metadataTable()), partitionKey).Scan(&dt)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Datatype", err)
	}
	return Datatype(dt), true, nil
}

func errIsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (b *pgArrayBackend) castedArrayLiteral(datatype Datatype) string {
	arrType, _ := sqlArrayType(datatype)
	return "::" + arrType
}

func (b *pgArrayBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	dt, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if !ok {
		return pcerrors.New(pcerrors.NotFound, "pgarray.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	table := b.cacheTable(partitionKey)
	cast := b.castedArrayLiteral(dt)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_keys) VALUES ($1, $2%s)
		 ON CONFLICT (query_hash) DO UPDATE SET partition_keys = EXCLUDED.partition_keys`, table, cast),
		key, value)
	if err != nil {
		return b.classifyWriteErr(err)
	}
	return nil
}

func (b *pgArrayBackend) classifyWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return pcerrors.Wrap(pcerrors.Contention, "pgarray.Set", err)
	}
	return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Set", err)
}

func (b *pgArrayBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	// The array backend always materializes: a lazy SQL expression over a
	// typed array column has no advantage over just running it once, so
	// SetLazy degrades to evaluating lazySQL and storing its result.
	rows, err := b.pool.Query(ctx, lazySQL)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.SetLazy", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.SetLazy", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.SetLazy", err)
	}
	return b.Set(ctx, partitionKey, key, values)
}

func (b *pgArrayBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	_, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil || !ok {
		return nil, false, err
	}
	table := b.cacheTable(partitionKey)
	var value []string
	err = b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT partition_keys FROM %s WHERE query_hash = $1`, table), key).Scan(&value)
	if err != nil {
		if errIsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Get", err)
	}
	if isNullSentinelSlice(value) {
		return nil, false, nil
	}
	return value, true, nil
}

func isNullSentinelSlice(v []string) bool {
	return len(v) == 1 && v[0] == nullSentinel
}

func (b *pgArrayBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	filtered, err := b.FilterExisting(ctx, partitionKey, keys)
	if err != nil || len(filtered) == 0 {
		return nil, 0, err
	}
	table := b.cacheTable(partitionKey)
	var value []string
	err = b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT array_intersect_agg(partition_keys) FROM %s WHERE query_hash = ANY($1)`, table), filtered).Scan(&value)
	if err != nil {
		return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.GetIntersected", err)
	}
	return value, len(filtered), nil
}

func (b *pgArrayBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	filtered, err := b.FilterExisting(ctx, partitionKey, keys)
	if err != nil || len(filtered) == 0 {
		return "", 0, err
	}
	table := b.cacheTable(partitionKey)
	keyList := make([]string, len(filtered))
	for i, k := range filtered {
		keyList[i] = "'" + k + "'"
	}
	expr := fmt.Sprintf(
		"SELECT unnest((SELECT array_intersect_agg(partition_keys) FROM %s WHERE query_hash = ANY(ARRAY[%s]))) AS %s",
		table, joinComma(keyList), partitionKey)
	return expr, len(filtered), nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (b *pgArrayBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	table := b.cacheTable(partitionKey)
	var exists bool
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE query_hash = $1)`, table), key).Scan(&exists)
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Exists", err)
	}
	return exists, nil
}

func (b *pgArrayBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE query_hash = ANY($1)`, table), keys)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.FilterExisting", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.FilterExisting", err)
		}
		found = append(found, k)
	}
	return found, rows.Err()
}

func (b *pgArrayBackend) Delete(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE query_hash = $1`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Delete", err)
	}
	return nil
}

func (b *pgArrayBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	return b.Set(ctx, partitionKey, key, []string{nullSentinel})
}

func (b *pgArrayBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	table := b.cacheTable(partitionKey)
	var value []string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT partition_keys FROM %s WHERE query_hash = $1`, table), key).Scan(&value)
	if err != nil {
		if errIsNoRows(err) {
			return false, nil
		}
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.IsNull", err)
	}
	return isNullSentinelSlice(value), nil
}

func (b *pgArrayBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, query, status, last_seen)
		 VALUES ($1, $2, '', $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET status = EXCLUDED.status, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, string(status))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.SetStatus", err)
	}
	return nil
}

func (b *pgArrayBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	var status string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&status)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.GetStatus", err)
	}
	return QueryStatus(status), true, nil
}

func (b *pgArrayBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, query, last_seen)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET query = EXCLUDED.query, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, query)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.SetQuery", err)
	}
	return nil
}

func (b *pgArrayBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	var query string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT query FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&query)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.GetQuery", err)
	}
	return query, true, nil
}

func (b *pgArrayBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE partition_key = $1`, b.queriesTable()), partitionKey)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ListQueries", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.ListQueries", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (b *pgArrayBackend) Partitions(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key FROM %s`, b.metadataTable()))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Partitions", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Partitions", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *pgArrayBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash, partition_keys_count FROM %s`, table))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Entries", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.QueryHash, &e.Count); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgarray.Entries", err)
		}
		e.PartitionKey = partitionKey
		e.LastSeen = time.Now()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *pgArrayBackend) Close() error { return nil }
