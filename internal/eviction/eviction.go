// Package eviction implements the scheduled pruning manager: rank a
// partition key's cache entries by one of three strategies and delete
// the overflow, serialized against the pipeline executor by the same
// per-(partition_key, query_hash) advisory lock.
//
// A periodic-maintenance shape: rank, select victims, delete under
// lock, log the outcome.
package eviction

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// Strategy names one of the three ranking rules spec §4.6 describes.
type Strategy string

const (
	// StrategyOldest evicts by last_seen ascending until threshold rows
	// remain.
	StrategyOldest Strategy = "oldest"
	// StrategyLargest evicts by materialized value count descending until
	// the count-sum is at most threshold. Decision §E.1 of SPEC_FULL.md:
	// count-based, not byte-size, since cardinality is already available
	// as a generated column / cheap cardinality op on every backend, and
	// there is no uniform byte-size definition across five storage forms.
	StrategyLargest Strategy = "largest"
	// StrategyAge evicts any entry with last_seen older than MaxAge,
	// regardless of threshold.
	StrategyAge Strategy = "age"
)

// Config bundles one eviction job's tunables, the per-(target_database,
// table_prefix) configuration row spec §4.6 describes.
type Config struct {
	Strategy     Strategy
	Threshold    int // row budget (StrategyOldest) or value-count budget (StrategyLargest)
	MaxAge       time.Duration
	LogRetain    time.Duration
	TablePrefix  string
	DatabaseName string
}

// Manager runs one eviction pass per partition key a Backend knows about.
type Manager struct {
	Backend cache.Backend
	Locks   *executor.AdvisoryLocks
	Logger  *slog.Logger
	Config  Config
}

func New(backend cache.Backend, locks *executor.AdvisoryLocks, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Backend: backend, Locks: locks, Config: cfg, Logger: logger}
}

// Result summarizes one Run's outcome across all partition keys.
type Result struct {
	PartitionsSwept int
	EntriesEvicted  int
}

// Run sweeps every registered partition key once, per spec §4.6: "one
// eviction job per (target_database, table_prefix)" means one Manager,
// not one job per partition key, but the ranking itself is necessarily
// scoped per partition key since cache rows from different partitions
// are not comparable.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	partitions, err := m.Backend.Partitions(ctx)
	if err != nil {
		return Result{}, pcerrors.Wrap(pcerrors.ExecutionError, "eviction.Run", err)
	}
	var res Result
	for _, pk := range partitions {
		n, err := m.sweepPartition(ctx, pk)
		if err != nil {
			m.Logger.Error("eviction sweep failed", slog.String("partition_key", pk), slog.String("error", err.Error()))
			continue
		}
		res.PartitionsSwept++
		res.EntriesEvicted += n
	}
	return res, nil
}

func (m *Manager) sweepPartition(ctx context.Context, partitionKey string) (int, error) {
	entries, err := m.Backend.Entries(ctx, partitionKey)
	if err != nil {
		return 0, pcerrors.Wrap(pcerrors.ExecutionError, "eviction.sweepPartition", err)
	}
	victims := m.selectVictims(entries)

	evicted := 0
	for _, e := range victims {
		if err := m.evictOne(ctx, partitionKey, e); err != nil {
			m.Logger.Error("eviction delete failed",
				slog.String("partition_key", partitionKey), slog.String("query_hash", e.QueryHash),
				slog.String("error", err.Error()))
			continue
		}
		evicted++
	}
	if evicted > 0 {
		m.Logger.Info("evicted cache entries",
			slog.String("partition_key", partitionKey), slog.Int("count", evicted), slog.String("strategy", string(m.Config.Strategy)))
	}
	return evicted, nil
}

// selectVictims ranks entries per m.Config.Strategy and returns the ones
// to delete, without mutating entries.
func (m *Manager) selectVictims(entries []cache.Entry) []cache.Entry {
	switch m.Config.Strategy {
	case StrategyAge:
		return m.selectByAge(entries)
	case StrategyLargest:
		return m.selectByBudget(entries, func(a, b cache.Entry) bool { return a.Count > b.Count }, func(e cache.Entry) int { return e.Count })
	default: // StrategyOldest
		return m.selectByBudget(entries, func(a, b cache.Entry) bool { return a.LastSeen.Before(b.LastSeen) }, func(cache.Entry) int { return 1 })
	}
}

func (m *Manager) selectByAge(entries []cache.Entry) []cache.Entry {
	if m.Config.MaxAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.Config.MaxAge)
	var victims []cache.Entry
	for _, e := range entries {
		if e.LastSeen.Before(cutoff) {
			victims = append(victims, e)
		}
	}
	return victims
}

// selectByBudget sorts entries so the preferred victims per rankBetter
// (oldest for "oldest", largest for "largest") come last, then evicts
// from the tail until the running weight (weight sums rows for "oldest",
// counts for "largest") is at most m.Config.Threshold.
func (m *Manager) selectByBudget(entries []cache.Entry, rankBetter func(a, b cache.Entry) bool, weight func(cache.Entry) int) []cache.Entry {
	if m.Config.Threshold <= 0 {
		return nil
	}
	ranked := make([]cache.Entry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool { return !rankBetter(ranked[i], ranked[j]) })

	total := 0
	for _, e := range ranked {
		total += weight(e)
	}
	if total <= m.Config.Threshold {
		return nil
	}

	var victims []cache.Entry
	for i := len(ranked) - 1; i >= 0 && total > m.Config.Threshold; i-- {
		victims = append(victims, ranked[i])
		total -= weight(ranked[i])
	}
	return victims
}

// evictOne deletes one cache entry, holding the same per-(partition_key,
// query_hash) advisory lock the executor takes before writing that cell,
// per spec §5: "Eviction and executor both take the (pk, hash) advisory
// lock before modifying a row."
func (m *Manager) evictOne(ctx context.Context, partitionKey string, e cache.Entry) error {
	unlock, _, err := m.Locks.Acquire(ctx, partitionKey, e.QueryHash)
	if err != nil {
		return pcerrors.Wrap(pcerrors.ExecutionError, "eviction.evictOne", err)
	}
	defer unlock()
	return m.Backend.Delete(ctx, partitionKey, e.QueryHash)
}
