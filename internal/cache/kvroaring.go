package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/redis/go-redis/v9"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// kvRoaringBackend stores each entry as a serialized roaring bitmap in a
// Redis STRING value, using github.com/RoaringBitmap/roaring/v2's own
// binary serialization format.
type kvRoaringBackend struct {
	client *redis.Client
	prefix string
}

func newKVRoaringBackend(client *redis.Client, prefix string) *kvRoaringBackend {
	if prefix == "" {
		prefix = "pcache"
	}
	return &kvRoaringBackend{client: client, prefix: prefix}
}

func (b *kvRoaringBackend) metaKey(partitionKey string) string {
	return fmt.Sprintf("%s:roarmeta:%s", b.prefix, partitionKey)
}
func (b *kvRoaringBackend) partitionsKey() string { return b.prefix + ":roar_partitions" }
func (b *kvRoaringBackend) cacheKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:roarcache:%s:%s", b.prefix, partitionKey, queryHash)
}
func (b *kvRoaringBackend) nullKey(partitionKey string) string {
	return fmt.Sprintf("%s:roarnull:%s", b.prefix, partitionKey)
}
func (b *kvRoaringBackend) indexKey(partitionKey string) string {
	return fmt.Sprintf("%s:roarindex:%s", b.prefix, partitionKey)
}
func (b *kvRoaringBackend) queryKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:roarquery:%s:%s", b.prefix, partitionKey, queryHash)
}

func (b *kvRoaringBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeInteger {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "kvroaring.RegisterPartitionKey",
			fmt.Errorf("redis_roaringbit supports only integer, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != DatatypeInteger {
			return pcerrors.New(pcerrors.DatatypeConflict, "kvroaring.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.metaKey(partitionKey), string(datatype), 0)
	pipe.SAdd(ctx, b.partitionsKey(), partitionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.RegisterPartitionKey", err)
	}
	return nil
}

func (b *kvRoaringBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	val, err := b.client.Get(ctx, b.metaKey(partitionKey)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Datatype", err)
	}
	return Datatype(val), true, nil
}

func (b *kvRoaringBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "kvroaring.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	bm := roaring.New()
	for _, v := range value {
		id, err := parseRedisInt(v)
		if err != nil || id < 0 {
			return pcerrors.New(pcerrors.InvalidArgument, "kvroaring.Set", fmt.Errorf("redis_roaringbit requires non-negative integer values, got %q", v))
		}
		bm.Add(uint32(id))
	}
	buf, err := bm.ToBytes()
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Set", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.cacheKey(partitionKey, key), buf, 0)
	pipe.SRem(ctx, b.nullKey(partitionKey), key)
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Set", err)
	}
	return nil
}

func (b *kvRoaringBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	return pcerrors.New(pcerrors.InvalidArgument, "kvroaring.SetLazy", fmt.Errorf("redis_roaringbit backend has no SQL engine to defer evaluation to"))
}

func (b *kvRoaringBackend) rawBitmap(ctx context.Context, partitionKey, key string) (*roaring.Bitmap, bool, error) {
	buf, err := b.client.Get(ctx, b.cacheKey(partitionKey, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.rawBitmap", err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(buf); err != nil {
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.rawBitmap", err)
	}
	return bm, true, nil
}

func bitmapToStringSlice(bm *roaring.Bitmap) []string {
	return bitmapToStrings(bm)
}

func (b *kvRoaringBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	isNull, err := b.IsNull(ctx, partitionKey, key)
	if err != nil {
		return nil, false, err
	}
	if isNull {
		return nil, false, nil
	}
	bm, ok, err := b.rawBitmap(ctx, partitionKey, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return bitmapToStringSlice(bm), true, nil
}

func (b *kvRoaringBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	var result *roaring.Bitmap
	matched := 0
	for _, k := range keys {
		bm, ok, err := b.rawBitmap(ctx, partitionKey, k)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		matched++
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}
	if matched == 0 {
		return nil, 0, nil
	}
	return bitmapToStringSlice(result), matched, nil
}

func (b *kvRoaringBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
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

func (b *kvRoaringBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.cacheKey(partitionKey, key)).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Exists", err)
	}
	if n > 0 {
		return true, nil
	}
	return b.IsNull(ctx, partitionKey, key)
}

func (b *kvRoaringBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
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

func (b *kvRoaringBackend) Delete(ctx context.Context, partitionKey, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.cacheKey(partitionKey, key))
	pipe.SRem(ctx, b.nullKey(partitionKey), key)
	pipe.SRem(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Delete", err)
	}
	return nil
}

func (b *kvRoaringBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.cacheKey(partitionKey, key))
	pipe.SAdd(ctx, b.nullKey(partitionKey), key)
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.SetNull", err)
	}
	return nil
}

func (b *kvRoaringBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.nullKey(partitionKey), key).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.IsNull", err)
	}
	return ok, nil
}

func (b *kvRoaringBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	return b.client.HSet(ctx, b.queryKey(partitionKey, queryHash), "status", string(status), "last_seen", time.Now().Format(time.RFC3339)).Err()
}

func (b *kvRoaringBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "status").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.GetStatus", err)
	}
	return QueryStatus(val), true, nil
}

func (b *kvRoaringBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.queryKey(partitionKey, queryHash), "query", query, "last_seen", time.Now().Format(time.RFC3339))
	pipe.SAdd(ctx, b.indexKey(partitionKey), queryHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.SetQuery", err)
	}
	return nil
}

func (b *kvRoaringBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "query").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.GetQuery", err)
	}
	return val, true, nil
}

func (b *kvRoaringBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.indexKey(partitionKey)).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.ListQueries", err)
	}
	return members, nil
}

func (b *kvRoaringBackend) Partitions(ctx context.Context) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.partitionsKey()).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvroaring.Partitions", err)
	}
	return members, nil
}

func (b *kvRoaringBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	hashes, err := b.ListQueries(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(hashes))
	for _, h := range hashes {
		bm, ok, err := b.rawBitmap(ctx, partitionKey, h)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, Entry{QueryHash: h, PartitionKey: partitionKey, Count: int(bm.GetCardinality())})
	}
	return entries, nil
}

func (b *kvRoaringBackend) Close() error { return b.client.Close() }
