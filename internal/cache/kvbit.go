package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// kvBitBackend mirrors pgBitBackend's fixed-width bit-packed representation
// over Redis STRING values instead of a BYTEA column. A deliberate null
// byte is never ambiguous with a legitimate bitset because null entries are
// tracked in a side set rather than by sentinel value.
type kvBitBackend struct {
	client  *redis.Client
	prefix  string
	bitsize int
}

func newKVBitBackend(client *redis.Client, prefix string, bitsize int) *kvBitBackend {
	if prefix == "" {
		prefix = "pcache"
	}
	if bitsize <= 0 {
		bitsize = 1024
	}
	return &kvBitBackend{client: client, prefix: prefix, bitsize: bitsize}
}

func (b *kvBitBackend) metaKey(partitionKey string) string {
	return fmt.Sprintf("%s:bitmeta:%s", b.prefix, partitionKey)
}
func (b *kvBitBackend) bitsizeKey(partitionKey string) string {
	return fmt.Sprintf("%s:bitsize:%s", b.prefix, partitionKey)
}
func (b *kvBitBackend) partitionsKey() string { return b.prefix + ":bit_partitions" }
func (b *kvBitBackend) cacheKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:bitcache:%s:%s", b.prefix, partitionKey, queryHash)
}
func (b *kvBitBackend) nullKey(partitionKey string) string {
	return fmt.Sprintf("%s:bitnull:%s", b.prefix, partitionKey)
}
func (b *kvBitBackend) indexKey(partitionKey string) string {
	return fmt.Sprintf("%s:bitindex:%s", b.prefix, partitionKey)
}
func (b *kvBitBackend) queryKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:bitquery:%s:%s", b.prefix, partitionKey, queryHash)
}

func (b *kvBitBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeInteger {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "kvbit.RegisterPartitionKey",
			fmt.Errorf("redis_bit supports only integer, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != DatatypeInteger {
			return pcerrors.New(pcerrors.DatatypeConflict, "kvbit.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.metaKey(partitionKey), string(datatype), 0)
	pipe.SetNX(ctx, b.bitsizeKey(partitionKey), b.bitsize, 0)
	pipe.SAdd(ctx, b.partitionsKey(), partitionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.RegisterPartitionKey", err)
	}
	return nil
}

func (b *kvBitBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	val, err := b.client.Get(ctx, b.metaKey(partitionKey)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.Datatype", err)
	}
	return Datatype(val), true, nil
}

// growBitsize raises the tracked bitsize for partitionKey to at least want,
// via a single unsynchronized GET/compare/SET. A concurrent writer's larger
// value can be overwritten by a smaller one between the GET and the SET;
// nothing retries or re-checks afterwards.
func (b *kvBitBackend) growBitsize(ctx context.Context, partitionKey string, want int) error {
	cur, err := b.client.Get(ctx, b.bitsizeKey(partitionKey)).Int()
	if err != nil && err != redis.Nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.growBitsize", err)
	}
	if want > cur {
		if err := b.client.Set(ctx, b.bitsizeKey(partitionKey), want, 0).Err(); err != nil {
			return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.growBitsize", err)
		}
	}
	return nil
}

func (b *kvBitBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "kvbit.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	ids := make([]int, 0, len(value))
	maxID := 0
	for _, v := range value {
		id, err := parseRedisInt(v)
		if err != nil || id < 0 {
			return pcerrors.New(pcerrors.InvalidArgument, "kvbit.Set", fmt.Errorf("redis_bit requires non-negative integer values, got %q", v))
		}
		ids = append(ids, id)
		if id > maxID {
			maxID = id
		}
	}
	if err := b.growBitsize(ctx, partitionKey, maxID+1); err != nil {
		return err
	}
	buf := bitsetEncode(ids)
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.cacheKey(partitionKey, key), buf, 0)
	pipe.SRem(ctx, b.nullKey(partitionKey), key)
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.Set", err)
	}
	return nil
}

func (b *kvBitBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	return pcerrors.New(pcerrors.InvalidArgument, "kvbit.SetLazy", fmt.Errorf("redis_bit backend has no SQL engine to defer evaluation to"))
}

func (b *kvBitBackend) rawBits(ctx context.Context, partitionKey, key string) ([]byte, bool, error) {
	buf, err := b.client.Get(ctx, b.cacheKey(partitionKey, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.rawBits", err)
	}
	return buf, true, nil
}

func (b *kvBitBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	isNull, err := b.IsNull(ctx, partitionKey, key)
	if err != nil {
		return nil, false, err
	}
	if isNull {
		return nil, false, nil
	}
	buf, ok, err := b.rawBits(ctx, partitionKey, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	ids := bitsetDecode(buf)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out, true, nil
}

func (b *kvBitBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	var bufs [][]byte
	matched := 0
	for _, k := range keys {
		buf, ok, err := b.rawBits(ctx, partitionKey, k)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			bufs = append(bufs, buf)
			matched++
		}
	}
	if matched == 0 {
		return nil, 0, nil
	}
	merged := bitsetIntersect(bufs)
	ids := bitsetDecode(merged)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out, matched, nil
}

// GetIntersectedLazy degrades to eager evaluation plus an inline VALUES
// list, same as pgBitBackend: there is no server-side relational engine
// behind Redis to push the intersection down to.
func (b *kvBitBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
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

func (b *kvBitBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.cacheKey(partitionKey, key)).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.Exists", err)
	}
	if n > 0 {
		return true, nil
	}
	return b.IsNull(ctx, partitionKey, key)
}

func (b *kvBitBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	var found []string
	for _, k := range keys {
		ok, err := b.Exists(ctx, partitionKey, k)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, k)
		}
	}
	return found, nil
}

func (b *kvBitBackend) Delete(ctx context.Context, partitionKey, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.cacheKey(partitionKey, key))
	pipe.SRem(ctx, b.nullKey(partitionKey), key)
	pipe.SRem(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.Delete", err)
	}
	return nil
}

func (b *kvBitBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.cacheKey(partitionKey, key))
	pipe.SAdd(ctx, b.nullKey(partitionKey), key)
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.SetNull", err)
	}
	return nil
}

func (b *kvBitBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.nullKey(partitionKey), key).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.IsNull", err)
	}
	return ok, nil
}

func (b *kvBitBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	return b.client.HSet(ctx, b.queryKey(partitionKey, queryHash), "status", string(status), "last_seen", time.Now().Format(time.RFC3339)).Err()
}

func (b *kvBitBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "status").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.GetStatus", err)
	}
	return QueryStatus(val), true, nil
}

func (b *kvBitBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.queryKey(partitionKey, queryHash), "query", query, "last_seen", time.Now().Format(time.RFC3339))
	pipe.SAdd(ctx, b.indexKey(partitionKey), queryHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.SetQuery", err)
	}
	return nil
}

func (b *kvBitBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "query").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.GetQuery", err)
	}
	return val, true, nil
}

func (b *kvBitBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.indexKey(partitionKey)).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.ListQueries", err)
	}
	return members, nil
}

func (b *kvBitBackend) Partitions(ctx context.Context) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.partitionsKey()).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvbit.Partitions", err)
	}
	return members, nil
}

func (b *kvBitBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	hashes, err := b.ListQueries(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(hashes))
	for _, h := range hashes {
		buf, ok, err := b.rawBits(ctx, partitionKey, h)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, Entry{QueryHash: h, PartitionKey: partitionKey, Count: bitsetCardinality(buf)})
	}
	return entries, nil
}

func (b *kvBitBackend) Close() error { return b.client.Close() }
