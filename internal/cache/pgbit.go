package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// pgBitBackend stores each partition's value sets as a packed bitset in a
// BYTEA column, supporting only integer-valued partition keys. The bitset
// auto-expands: instead of erroring when a value exceeds the configured
// bitsize, RegisterPartitionKey's bitsize is treated as a hint only, and
// bitsetIntersect pads shorter entries with zero bytes so entries written
// at different widths still intersect correctly.
//
// Resizing the recorded "widest seen" bitsize is the only shared mutable
// metadata two concurrent writers could race on, so it is always updated
// under a Postgres advisory transaction lock keyed by a hash of the
// partition key, the same per-(table,key) advisory-lock idiom the
// pipeline executor uses for job serialization.
type pgBitBackend struct {
	pool    *pgxpool.Pool
	prefix  string
	bitsize int
}

func newPGBitBackend(ctx context.Context, pool *pgxpool.Pool, prefix string, bitsize int) (*pgBitBackend, error) {
	if bitsize <= 0 {
		bitsize = 1024
	}
	b := &pgBitBackend{pool: pool, prefix: prefix, bitsize: bitsize}
	if err := b.ensureSharedTables(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *pgBitBackend) metadataTable() string { return b.prefix + "_bit_partition_metadata" }
func (b *pgBitBackend) queriesTable() string  { return b.prefix + "_bit_queries" }
func (b *pgBitBackend) cacheTable(partitionKey string) string {
	return fmt.Sprintf("%s_cache_bit_%s", b.prefix, partitionKey)
}

func (b *pgBitBackend) ensureSharedTables(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT PRIMARY KEY,
		datatype TEXT NOT NULL CHECK (datatype = 'integer'),
		bitsize INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT now()
	)`, b.metadataTable()))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.ensureSharedTables", err)
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
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.ensureSharedTables", err)
	}
	return nil
}

func advisoryLockKey(partitionKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(partitionKey))
	return int64(h.Sum64())
}

func (b *pgBitBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeInteger {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "pgbit.RegisterPartitionKey",
			fmt.Errorf("postgresql_bit supports only the integer datatype, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != DatatypeInteger {
			return pcerrors.New(pcerrors.DatatypeConflict, "pgbit.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}

	table := b.cacheTable(partitionKey)
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		query_hash TEXT PRIMARY KEY,
		bits BYTEA NOT NULL,
		is_null BOOLEAN NOT NULL DEFAULT false
	)`, table))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.RegisterPartitionKey", err)
	}

	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, datatype, bitsize) VALUES ($1, 'integer', $2) ON CONFLICT (partition_key) DO NOTHING`,
		b.metadataTable()), partitionKey, b.bitsize)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.RegisterPartitionKey", err)
	}
	return nil
}

func (b *pgBitBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	var dt string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, b.metadataTable()), partitionKey).Scan(&dt)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Datatype", err)
	}
	return Datatype(dt), true, nil
}

// maybeGrowBitsize widens the recorded bitsize hint under an advisory
// transaction lock if value exceeds the current one, so Entries/monitoring
// can report an accurate "widest seen" figure even though reads never
// depend on the recorded value being exact.
func (b *pgBitBackend) maybeGrowBitsize(ctx context.Context, partitionKey string, maxID int) error {
	needed := maxID + 1
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.maybeGrowBitsize", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(partitionKey)); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.maybeGrowBitsize", err)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET bitsize = GREATEST(bitsize, $2) WHERE partition_key = $1`, b.metadataTable()),
		partitionKey, needed)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.maybeGrowBitsize", err)
	}
	return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.maybeGrowBitsize", tx.Commit(ctx))
}

func (b *pgBitBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "pgbit.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}

	ids := make([]int, 0, len(value))
	maxID := -1
	for _, v := range value {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pcerrors.New(pcerrors.DatatypeConflict, "pgbit.Set", fmt.Errorf("value %q is not an integer", v))
		}
		if n < 0 {
			return pcerrors.New(pcerrors.InvalidArgument, "pgbit.Set", fmt.Errorf("bit handler cannot store negative value %d", n))
		}
		ids = append(ids, n)
		if n > maxID {
			maxID = n
		}
	}
	if maxID >= 0 {
		if err := b.maybeGrowBitsize(ctx, partitionKey, maxID); err != nil {
			return err
		}
	}

	table := b.cacheTable(partitionKey)
	buf := bitsetEncode(ids)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, bits, is_null) VALUES ($1, $2, false)
		 ON CONFLICT (query_hash) DO UPDATE SET bits = EXCLUDED.bits, is_null = false`, table), key, buf)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Set", err)
	}
	return nil
}

func (b *pgBitBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	rows, err := b.pool.Query(ctx, lazySQL)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetLazy", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetLazy", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetLazy", err)
	}
	return b.Set(ctx, partitionKey, key, values)
}

func (b *pgBitBackend) rawBits(ctx context.Context, partitionKey, key string) ([]byte, bool, bool, error) {
	table := b.cacheTable(partitionKey)
	var buf []byte
	var isNull bool
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT bits, is_null FROM %s WHERE query_hash = $1`, table), key).Scan(&buf, &isNull)
	if err != nil {
		if errIsNoRows(err) {
			return nil, false, false, nil
		}
		return nil, false, false, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.rawBits", err)
	}
	return buf, true, isNull, nil
}

func (b *pgBitBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	buf, ok, isNull, err := b.rawBits(ctx, partitionKey, key)
	if err != nil || !ok || isNull {
		return nil, false, err
	}
	ids := bitsetDecode(buf)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out, true, nil
}

func (b *pgBitBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	filtered, err := b.FilterExisting(ctx, partitionKey, keys)
	if err != nil || len(filtered) == 0 {
		return nil, 0, err
	}
	var bufs [][]byte
	for _, k := range filtered {
		buf, ok, isNull, err := b.rawBits(ctx, partitionKey, k)
		if err != nil {
			return nil, 0, err
		}
		if !ok || isNull {
			continue
		}
		bufs = append(bufs, buf)
	}
	merged := bitsetIntersect(bufs)
	ids := bitsetDecode(merged)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out, len(filtered), nil
}

func (b *pgBitBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	// Bit intersection happens bit-by-bit in Go, not as a pushdown-able SQL
	// expression, so lazy mode degrades to eager evaluation followed by an
	// inline VALUES list, matching the contract's "a SQL expression that
	// reproduces the same rows" without claiming query-planner benefits the
	// representation can't actually offer.
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

func (b *pgBitBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	_, ok, _, err := b.rawBits(ctx, partitionKey, key)
	return ok, err
}

func (b *pgBitBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE query_hash = ANY($1)`, table), keys)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.FilterExisting", err)
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.FilterExisting", err)
		}
		found = append(found, k)
	}
	return found, rows.Err()
}

func (b *pgBitBackend) Delete(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE query_hash = $1`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Delete", err)
	}
	return nil
}

func (b *pgBitBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	table := b.cacheTable(partitionKey)
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, bits, is_null) VALUES ($1, ''::bytea, true)
		 ON CONFLICT (query_hash) DO UPDATE SET bits = ''::bytea, is_null = true`, table), key)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetNull", err)
	}
	return nil
}

func (b *pgBitBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	_, ok, isNull, err := b.rawBits(ctx, partitionKey, key)
	if err != nil || !ok {
		return false, err
	}
	return isNull, nil
}

func (b *pgBitBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, status, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET status = EXCLUDED.status, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, string(status))
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetStatus", err)
	}
	return nil
}

func (b *pgBitBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	var status string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&status)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.GetStatus", err)
	}
	return QueryStatus(status), true, nil
}

func (b *pgBitBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (query_hash, partition_key, query, last_seen) VALUES ($1, $2, $3, now())
		 ON CONFLICT (query_hash, partition_key) DO UPDATE SET query = EXCLUDED.query, last_seen = now()`,
		b.queriesTable()), queryHash, partitionKey, query)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.SetQuery", err)
	}
	return nil
}

func (b *pgBitBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	var query string
	err := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT query FROM %s WHERE query_hash = $1 AND partition_key = $2`, b.queriesTable()), queryHash, partitionKey).Scan(&query)
	if err != nil {
		if errIsNoRows(err) {
			return "", false, nil
		}
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.GetQuery", err)
	}
	return query, true, nil
}

func (b *pgBitBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash FROM %s WHERE partition_key = $1`, b.queriesTable()), partitionKey)
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.ListQueries", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.ListQueries", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (b *pgBitBackend) Partitions(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key FROM %s`, b.metadataTable()))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Partitions", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Partitions", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *pgBitBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	table := b.cacheTable(partitionKey)
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT query_hash, bits FROM %s`, table))
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Entries", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var buf []byte
		if err := rows.Scan(&e.QueryHash, &buf); err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "pgbit.Entries", err)
		}
		e.PartitionKey = partitionKey
		e.Count = bitsetCardinality(buf)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *pgBitBackend) Close() error { return nil }
