package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// pgRoaringBackend stores each partition's value set as a serialized
// Roaring bitmap in a BYTEA column, integer-only like pgBitBackend but
// without a fixed-width sizing concern: a roaring bitmap's storage is
// proportional to how clustered the set's values are, not to the largest
// value present.
type pgRoaringBackend struct {
	pool   *pgxpool.Pool
	prefix string
}

func newPGRoaringBackend(ctx context.Context, pool *pgxpool.Pool, prefix string) (*pgRoaringBackend, error) {
	b := &pgRoaringBackend{pool: pool, prefix: prefix}
	if err := b.ensureSharedTables(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *pgRoaringBackend) metadataTable() string { return b.prefix + "_roaring_partition_metadata" }
func (b *pgRoaringBackend) queriesTable() string  { return b.prefix + "_roaring_queries" }
func (b *pgRoaringBackend) cacheTable(partitionKey string) string {
	return fmt.Sprintf("%s_cache_roaring_%s", b.prefix, partitionKey)
}

func (b *pgRoaringBackend) ensureSharedTables(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT PRIMARY KEY,
		datatype TEXT NOT NULL CHECK (datatype = 'integer'),
		created_at TIMESTAMP DEFAULT now()
	)`, b.metadataTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.ensureSharedTables", err)
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
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.ensureSharedTables", err)
	}
	return nil
}

func (b *pgRoaringBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeInteger {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "pgroaring.RegisterPartitionKey",
			fmt.Errorf("postgresql_roaringbit supports only the integer datatype, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != DatatypeInteger {
			return pcerrors.New(pcerrors.DatatypeConflict, "pgroaring.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}
	table := b.cacheTable(partitionKey)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT PRIMARY KEY,
		bitmap BYTEA NOT NULL,
		is_null BOOLEAN NOT NULL DEFAULT false
	)`, table))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.RegisterPartitionKey", err)
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, datatype) VALUES ($1, 'integer') ON CONFLICT (partition_key) DO NOTHING`,
		b.metadataTable()), partitionKey)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.RegisterPartitionKey", err)
	}
	return nil
}

func (b *pgRoaringBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	var dt string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, b.metadataTable()), partitionKey).Scan(&dt)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Datatype", err)
	}
	return Datatype(dt), true, nil
}

func stringsToBitmap(values []string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for _, v := range values {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a 32-bit unsigned integer", v)
		}
		bm.Add(uint32(n))
	}
	return bm, nil
}

func bitmapToStrings(bm *roaring.Bitmap) []string {
	vals := bm.ToArray()
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strconv.FormatUint(uint64(v), 10)
	}
	return out
}

func (b *pgRoaringBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "pgroaring.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	bm, err := stringsToBitmap(value)
	if err != nil {
		return pcerrors.New(pcerrors.DatatypeConflict, "pgroaring.Set", err)
	}
	buf, err := bm.ToBytes()
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Set", err)
	}
	table := b.cacheTable(partitionKey)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, bitmap, is_null) VALUES ($1, $2, false)
		 ON CONFLICT (query_hash) DO UPDATE SET bitmap = EXCLUDED.bitmap, is_null = false`, table), key, buf)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Set", err)
	}
	return nil
}

func (b *pgRoaringBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	rows, err := b.pool.Query(ctx, lazySQL)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetLazy", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetLazy", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetLazy", err)
	}
	return b.Set(ctx, partitionKey, key, values)
}

func (b *pgRoaringBackend) rawBitmap(ctx context.Context, partitionKey, key string) (*roaring.Bitmap, bool, bool, error) {
	table := b.cacheTable(partitionKey)
	var buf []byte
	var isNull bool
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT bitmap, is_null FROM %s WHERE query_hash = $1`, table), key).Scan(&buf, &isNull)
	if err != nil {
		if errIsNoRows(err) {
			return nil, false, false, nil
		}
		return nil, false, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.rawBitmap", err)
	}
	bm := roaring.New()
	if !isNull {
		if err := bm.UnmarshalBinary(buf); err != nil {
			return nil, false, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.rawBitmap", err)
		}
	}
	return bm, true, isNull, nil
}

func (b *pgRoaringBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	bm, ok, isNull, err := b.rawBitmap(ctx, partitionKey, key)
	if err != nil || !ok || isNull {
		return nil, false, err
	}
	return bitmapToStrings(bm), true, nil
}

func (b *pgRoaringBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	filtered, err := b.FilterExisting(ctx, partitionKey, keys)
	if err != nil || len(filtered) == 0 {
		return nil, 0, err
	}
	var result *roaring.Bitmap
	for _, k := range filtered {
		bm, ok, isNull, err := b.rawBitmap(ctx, partitionKey, k)
		if err != nil {
			return nil, 0, err
		}
		if !ok || isNull {
			continue
		}
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}
	if result == nil {
		return nil, len(filtered), nil
	}
	return bitmapToStrings(result), len(filtered), nil
}

func (b *pgRoaringBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	ids, n, err := b.GetIntersected(ctx, partitionKey, keys)
	if err != nil || n == 0 {
		return "", n, err
	}
	rows := make([]string, len(ids))
	for i, id := range ids {
		rows[i] = "(" + id + ")"
	}
	expr := fmt.Sprintf("SELECT v AS %s FROM (VALUES %s) AS _pcache_v(v)", partitionKey, joinComma(rows))
	return expr, n, nil
}

func (b *pgRoaringBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	_, ok, _, err := b.rawBitmap(ctx, partitionKey, key)
	return ok, err
}

func (b *pgRoaringBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE query_hash = ANY($1)`, table), keys)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.FilterExisting", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.FilterExisting", err)
		}
		found = append(found, k)
	}
	return found, rows.Err()
}

func (b *pgRoaringBackend) Delete(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE query_hash = $1`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Delete", err)
	}
	return nil
}

func (b *pgRoaringBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, bitmap, is_null) VALUES ($1, ''::bytea, true)
		 ON CONFLICT (query_hash) DO UPDATE SET bitmap = ''::bytea, is_null = true`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetNull", err)
	}
	return nil
}

func (b *pgRoaringBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	_, ok, isNull, err := b.rawBitmap(ctx, partitionKey, key)
	if err != nil || !ok {
		return false, err
	}
	return isNull, nil
}

func (b *pgRoaringBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, status, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET status = EXCLUDED.status, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, string(status))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetStatus", err)
	}
	return nil
}

func (b *pgRoaringBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	var status string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&status)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.GetStatus", err)
	}
	return QueryStatus(status), true, nil
}

func (b *pgRoaringBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, query, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET query = EXCLUDED.query, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, query)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.SetQuery", err)
	}
	return nil
}

func (b *pgRoaringBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	var query string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT query FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&query)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.GetQuery", err)
	}
	return query, true, nil
}

func (b *pgRoaringBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE partition_key = $1`, b.queriesTable()), partitionKey)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.ListQueries", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.ListQueries", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (b *pgRoaringBackend) Partitions(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key FROM %s`, b.metadataTable()))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Partitions", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Partitions", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *pgRoaringBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash, bitmap FROM %s`, table))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Entries", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var buf []byte
		if err := rows.Scan(&e.QueryHash, &buf); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgroaring.Entries", err)
		}
		bm := roaring.New()
		_ = bm.UnmarshalBinary(buf)
		e.PartitionKey = partitionKey
		e.Count = int(bm.GetCardinality())
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *pgRoaringBackend) Close() error { return nil }
