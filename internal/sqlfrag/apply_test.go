package sqlfrag

import (
	"context"
	"strings"
	"testing"

	"github.com/partitioncache/partitioncache/internal/cache"
)

// fakeBackend is a minimal in-memory cache.Backend for exercising
// ApplyCache without a real storage handler.
type fakeBackend struct {
	sets     map[string][]string
	datatype cache.Datatype
	snippet  string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sets: map[string][]string{}, datatype: cache.DatatypeInteger}
}

func (f *fakeBackend) RegisterPartitionKey(ctx context.Context, partitionKey string, datatype cache.Datatype) error {
	return nil
}
func (f *fakeBackend) Set(ctx context.Context, partitionKey, key string, value []string) error {
	f.sets[key] = value
	return nil
}
func (f *fakeBackend) SetLazy(ctx context.Context, partitionKey, key, lazySQL string) error { return nil }
func (f *fakeBackend) Get(ctx context.Context, partitionKey, key string) ([]string, bool, error) {
	v, ok := f.sets[key]
	return v, ok, nil
}
func (f *fakeBackend) GetIntersected(ctx context.Context, partitionKey string, keys []string) ([]string, int, error) {
	matched := 0
	var result []string
	for _, k := range keys {
		if v, ok := f.sets[k]; ok {
			matched++
			result = append(result, v...)
		}
	}
	return result, matched, nil
}
func (f *fakeBackend) GetIntersectedLazy(ctx context.Context, partitionKey string, keys []string) (string, int, error) {
	matched := 0
	for _, k := range keys {
		if _, ok := f.sets[k]; ok {
			matched++
		}
	}
	if matched == 0 {
		return "", 0, nil
	}
	return f.snippet, matched, nil
}
func (f *fakeBackend) Exists(ctx context.Context, partitionKey, key string) (bool, error) {
	_, ok := f.sets[key]
	return ok, nil
}
func (f *fakeBackend) FilterExisting(ctx context.Context, partitionKey string, keys []string) ([]string, error) {
	var out []string
	for _, k := range keys {
		if _, ok := f.sets[k]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}
func (f *fakeBackend) Delete(ctx context.Context, partitionKey, key string) error {
	delete(f.sets, key)
	return nil
}
func (f *fakeBackend) SetNull(ctx context.Context, partitionKey, key string) error {
	f.sets[key] = nil
	return nil
}
func (f *fakeBackend) IsNull(ctx context.Context, partitionKey, key string) (bool, error) {
	v, ok := f.sets[key]
	return ok && v == nil, nil
}
func (f *fakeBackend) SetStatus(ctx context.Context, partitionKey, queryHash string, status cache.QueryStatus) error {
	return nil
}
func (f *fakeBackend) GetStatus(ctx context.Context, partitionKey, queryHash string) (cache.QueryStatus, bool, error) {
	return "", false, nil
}
func (f *fakeBackend) SetQuery(ctx context.Context, partitionKey, queryHash, query string) error {
	return nil
}
func (f *fakeBackend) GetQuery(ctx context.Context, partitionKey, queryHash string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeBackend) ListQueries(ctx context.Context, partitionKey string) ([]string, error) {
	return nil, nil
}
func (f *fakeBackend) Partitions(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) Datatype(ctx context.Context, partitionKey string) (cache.Datatype, bool, error) {
	return f.datatype, true, nil
}
func (f *fakeBackend) Entries(ctx context.Context, partitionKey string) ([]cache.Entry, error) {
	return nil, nil
}
func (f *fakeBackend) Close() error { return nil }

var _ cache.Backend = (*fakeBackend)(nil)

func TestApplyCacheEagerRewritesOnHit(t *testing.T) {
	backend := newFakeBackend()
	sql := "SELECT a.id FROM orders a WHERE a.region_id = 5"
	result, err := GenerateFragments(sql, "region_id", DefaultOptions())
	if err != nil || len(result.Fragments) == 0 {
		t.Fatalf("fixture generation failed: %v", err)
	}
	backend.sets[result.Fragments[0].Hash] = []string{"1", "2", "3"}

	out, stats, err := ApplyCache(context.Background(), backend, sql, "region_id", DefaultOptions(), ApplyOptions{Mode: ModeEager, HitThreshold: 1})
	if err != nil {
		t.Fatalf("ApplyCache: %v", err)
	}
	if stats.Enhanced != 1 {
		t.Errorf("expected Enhanced=1, got stats=%+v out=%q", stats, out)
	}
	if !strings.Contains(out, "IN (1, 2, 3)") {
		t.Errorf("expected rewritten predicate in %q", out)
	}
}

func TestApplyCacheEagerBelowThresholdReturnsOriginal(t *testing.T) {
	backend := newFakeBackend()
	sql := "SELECT a.id FROM orders a WHERE a.region_id = 5"
	result, _ := GenerateFragments(sql, "region_id", DefaultOptions())
	backend.sets[result.Fragments[0].Hash] = []string{"1"}

	out, stats, err := ApplyCache(context.Background(), backend, sql, "region_id", DefaultOptions(), ApplyOptions{Mode: ModeEager, HitThreshold: 100})
	if err != nil {
		t.Fatalf("ApplyCache: %v", err)
	}
	if stats.Enhanced != 0 {
		t.Errorf("expected Enhanced=0 below threshold, got %+v", stats)
	}
	if out != sql {
		t.Errorf("expected original sql returned unmodified, got %q", out)
	}
}

func TestApplyCacheNeverErrorsOnMiss(t *testing.T) {
	backend := newFakeBackend()
	sql := "SELECT a.id FROM orders a WHERE a.region_id = 5"
	out, stats, err := ApplyCache(context.Background(), backend, sql, "region_id", DefaultOptions(), ApplyOptions{Mode: ModeEager, HitThreshold: 1})
	if err != nil {
		t.Fatalf("ApplyCache must never return an error on a cache miss: %v", err)
	}
	if out != sql || stats.Enhanced != 0 {
		t.Errorf("expected unmodified passthrough on miss, got out=%q stats=%+v", out, stats)
	}
}

func TestApplyCacheLazySnippet(t *testing.T) {
	backend := newFakeBackend()
	backend.snippet = "SELECT unnest(value) FROM pcache_entries WHERE query_hash = 'x'"
	sql := "SELECT a.id FROM orders a WHERE a.region_id = 5"
	result, _ := GenerateFragments(sql, "region_id", DefaultOptions())
	backend.sets[result.Fragments[0].Hash] = []string{"1"}

	out, stats, err := ApplyCache(context.Background(), backend, sql, "region_id", DefaultOptions(), ApplyOptions{Mode: ModeLazy, Method: MethodInSubquery})
	if err != nil {
		t.Fatalf("ApplyCache: %v", err)
	}
	if stats.Enhanced != 1 || !strings.Contains(out, backend.snippet) {
		t.Errorf("expected lazy snippet injected, got out=%q stats=%+v", out, stats)
	}
}

func TestMaybeRewriteP0SkipsWhenAlreadyPresent(t *testing.T) {
	sql := "SELECT a.id FROM orders a, region_mv AS p0 WHERE a.region_id = p0.region_id"
	out, rewritten := maybeRewriteP0(sql, "region_id", ApplyOptions{EnablePO: true, PartitionJoinTable: "region_mv"})
	if rewritten {
		t.Error("expected no rewrite when query already references AS p0")
	}
	if out != sql {
		t.Errorf("expected passthrough, got %q", out)
	}
}

func TestMaybeRewriteP0InsertsEquijoin(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, rewritten := maybeRewriteP0(sql, "region_id", ApplyOptions{EnablePO: true, PartitionJoinTable: "region_mv"})
	if !rewritten {
		t.Fatal("expected p0 rewrite to apply")
	}
	if !strings.Contains(out, "region_mv AS p0") || !strings.Contains(out, "a.region_id = p0.region_id") {
		t.Errorf("expected p0 join and equijoin predicate, got %q", out)
	}
}

func TestMaybeRewriteP0NoOpWithoutPartitionJoinTable(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, rewritten := maybeRewriteP0(sql, "region_id", ApplyOptions{EnablePO: true})
	if rewritten || out != sql {
		t.Errorf("expected no-op without PartitionJoinTable, got out=%q rewritten=%v", out, rewritten)
	}
}
