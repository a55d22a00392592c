package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// kvSetBackend stores each cache entry as a native Redis SET. A
// null-sentinel entry is a STRING-typed key holding a single zero byte,
// distinguished from a real (possibly empty) entry by Redis's own TYPE
// command rather than by a marker value.
type kvSetBackend struct {
	client *redis.Client
	prefix string
}

func newKVSetBackend(client *redis.Client, prefix string) *kvSetBackend {
	if prefix == "" {
		prefix = "pcache"
	}
	return &kvSetBackend{client: client, prefix: prefix}
}

func (b *kvSetBackend) metaKey(partitionKey string) string {
	return fmt.Sprintf("%s:meta:%s", b.prefix, partitionKey)
}
func (b *kvSetBackend) partitionsKey() string { return b.prefix + ":partitions" }
func (b *kvSetBackend) cacheKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:cache:%s:%s", b.prefix, partitionKey, queryHash)
}
func (b *kvSetBackend) indexKey(partitionKey string) string {
	return fmt.Sprintf("%s:index:%s", b.prefix, partitionKey)
}
func (b *kvSetBackend) queryKey(partitionKey, queryHash string) string {
	return fmt.Sprintf("%s:query:%s:%s", b.prefix, partitionKey, queryHash)
}

func (b *kvSetBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype Datatype) error {
	if datatype != DatatypeInteger && datatype != DatatypeText {
		return pcerrors.New(pcerrors.DatatypeUnsupported, "kvset.RegisterPartitionKey",
			fmt.Errorf("redis_set supports only integer and text, got %s", datatype))
	}
	existing, ok, err := b.Datatype(ctx, partitionKey)
	if err != nil {
		return err
	}
	if ok {
		if existing != datatype {
			return pcerrors.New(pcerrors.DatatypeConflict, "kvset.RegisterPartitionKey",
				fmt.Errorf("partition key %q already registered with datatype %s", partitionKey, existing))
		}
		return nil
	}
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.metaKey(partitionKey), string(datatype), 0)
	pipe.SAdd(ctx, b.partitionsKey(), partitionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvset.RegisterPartitionKey", err)
	}
	return nil
}

func (b *kvSetBackend) Datatype(ctx context.Context, partitionKey string) (Datatype, bool, error) {
	val, err := b.client.Get(ctx, b.metaKey(partitionKey)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Datatype", err)
	}
	return Datatype(val), true, nil
}

func (b *kvSetBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	if _, ok, err := b.Datatype(ctx, partitionKey); err != nil {
		return err
	} else if !ok {
		return pcerrors.New(pcerrors.NotFound, "kvset.Set", fmt.Errorf("partition key %q is not registered", partitionKey))
	}
	cacheKey := b.cacheKey(partitionKey, key)
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, cacheKey)
	if len(value) > 0 {
		members := make([]interface{}, len(value))
		for i, v := range value {
			members[i] = v
		}
		pipe.SAdd(ctx, cacheKey, members...)
	} else {
		pipe.Set(ctx, cacheKey, "", 0)
	}
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Set", err)
	}
	return nil
}

// SetLazy has no meaningful form over a plain key-value store: there is no
// SQL engine behind this backend to run lazySQL, so it always returns an
// InvalidArgument error.
func (b *kvSetBackend) SetLazy(ctx context.Context, partitionKey, key string, lazySQL string) error {
	return pcerrors.New(pcerrors.InvalidArgument, "kvset.SetLazy", fmt.Errorf("redis_set backend has no SQL engine to defer evaluation to"))
}

func (b *kvSetBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	cacheKey := b.cacheKey(partitionKey, key)
	keyType, err := b.client.Type(ctx, cacheKey).Result()
	if err != nil {
		return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Get", err)
	}
	switch keyType {
	case "none":
		return nil, false, nil
	case "string":
		val, err := b.client.Get(ctx, cacheKey).Result()
		if err != nil {
			return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Get", err)
		}
		if val == "\x00" {
			return nil, false, nil
		}
		return []string{}, true, nil
	case "set":
		members, err := b.client.SMembers(ctx, cacheKey).Result()
		if err != nil {
			return nil, false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Get", err)
		}
		return members, true, nil
	default:
		return nil, false, pcerrors.New(pcerrors.ExecutionError, "kvset.Get", fmt.Errorf("key %q has unexpected redis type %q", cacheKey, keyType))
	}
}

func (b *kvSetBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	var setKeys []string
	for _, k := range keys {
		keyType, err := b.client.Type(ctx, b.cacheKey(partitionKey, k)).Result()
		if err != nil {
			return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.GetIntersected", err)
		}
		if keyType == "set" {
			setKeys = append(setKeys, b.cacheKey(partitionKey, k))
		}
	}
	if len(setKeys) == 0 {
		return nil, 0, nil
	}
	result, err := b.client.SInter(ctx, setKeys...).Result()
	if err != nil {
		return nil, 0, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.GetIntersected", err)
	}
	return result, len(setKeys), nil
}

// GetIntersectedLazy has no native SQL fragment form; callers on this
// backend should use GetIntersected directly instead.
func (b *kvSetBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	return "", 0, pcerrors.New(pcerrors.InvalidArgument, "kvset.GetIntersectedLazy", fmt.Errorf("redis_set backend cannot express a lazy SQL fragment"))
}

func (b *kvSetBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.cacheKey(partitionKey, key)).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Exists", err)
	}
	return n > 0, nil
}

func (b *kvSetBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	var found []string
	for _, k := range keys {
		n, err := b.client.Exists(ctx, b.cacheKey(partitionKey, k)).Result()
		if err != nil {
			return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.FilterExisting", err)
		}
		if n > 0 {
			found = append(found, k)
		}
	}
	return found, nil
}

func (b *kvSetBackend) Delete(ctx context.Context, partitionKey, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.cacheKey(partitionKey, key))
	pipe.SRem(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Delete", err)
	}
	return nil
}

func (b *kvSetBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	cacheKey := b.cacheKey(partitionKey, key)
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, cacheKey, "\x00", 0)
	pipe.SAdd(ctx, b.indexKey(partitionKey), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvset.SetNull", err)
	}
	return nil
}

func (b *kvSetBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	cacheKey := b.cacheKey(partitionKey, key)
	keyType, err := b.client.Type(ctx, cacheKey).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.IsNull", err)
	}
	if keyType != "string" {
		return false, nil
	}
	val, err := b.client.Get(ctx, cacheKey).Result()
	if err != nil {
		return false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.IsNull", err)
	}
	return val == "\x00", nil
}

func (b *kvSetBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status QueryStatus) error {
	return b.client.HSet(ctx, b.queryKey(partitionKey, queryHash), "status", string(status), "last_seen", time.Now().Format(time.RFC3339)).Err()
}

func (b *kvSetBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (QueryStatus, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "status").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.GetStatus", err)
	}
	return QueryStatus(val), true, nil
}

func (b *kvSetBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.queryKey(partitionKey, queryHash), "query", query, "last_seen", time.Now().Format(time.RFC3339))
	pipe.SAdd(ctx, b.indexKey(partitionKey), queryHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "kvset.SetQuery", err)
	}
	return nil
}

func (b *kvSetBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	val, err := b.client.HGet(ctx, b.queryKey(partitionKey, queryHash), "query").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.GetQuery", err)
	}
	return val, true, nil
}

func (b *kvSetBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.indexKey(partitionKey)).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.ListQueries", err)
	}
	return members, nil
}

func (b *kvSetBackend) Partitions(ctx context.Context) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.partitionsKey()).Result()
	if err != nil {
		return nil, pcerrors.Wrap(pcerrors.ExecutionError, "kvset.Partitions", err)
	}
	return members, nil
}

func (b *kvSetBackend) Entries(ctx context.Context, partitionKey string) ([]Entry, error) {
	hashes, err := b.ListQueries(ctx, partitionKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(hashes))
	for _, h := range hashes {
		cacheKey := b.cacheKey(partitionKey, h)
		keyType, err := b.client.Type(ctx, cacheKey).Result()
		if err != nil || keyType != "set" {
			continue
		}
		count, err := b.client.SCard(ctx, cacheKey).Result()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{QueryHash: h, PartitionKey: partitionKey, Count: int(count)})
	}
	return entries, nil
}

func (b *kvSetBackend) Close() error { return b.client.Close() }

// parseRedisInt reports whether s parses as a base-10 integer, used by
// kvbit/kvroaring to validate integer-only partition key values the same
// way pgBitBackend.Set does.
func parseRedisInt(s string) (int, error) {
	return strconv.Atoi(s)
}
