package eviction

import (
	"log/slog"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/executor"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

// NewFromConfig wires a Manager from a loaded Config, an already-opened
// cache backend, and the advisory-lock helper shared with the executor —
// the same *executor.AdvisoryLocks a running Executor uses, so eviction
// and fragment writes to the same cell are mutually exclusive.
func NewFromConfig(cfg *config.Config, backend cache.Backend, locks *executor.AdvisoryLocks, logger *slog.Logger) (*Manager, error) {
	strategy := Strategy(cfg.Eviction.Strategy)
	switch strategy {
	case StrategyOldest, StrategyLargest, StrategyAge:
	default:
		return nil, pcerrors.New(pcerrors.InvalidArgument, "eviction.NewFromConfig", errUnknownStrategy(cfg.Eviction.Strategy))
	}
	return New(backend, locks, Config{
		Strategy:     strategy,
		Threshold:    cfg.Eviction.Threshold,
		MaxAge:       cfg.Eviction.MaxAge,
		LogRetain:    cfg.Eviction.LogRetain,
		TablePrefix:  cfg.Eviction.TablePrefix,
		DatabaseName: cfg.DB.Name,
	}, logger), nil
}

type strategyError string

func (e strategyError) Error() string { return string(e) }

func errUnknownStrategy(s string) error {
	return strategyError("unknown eviction strategy " + s)
}
