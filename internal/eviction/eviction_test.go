package eviction

import (
	"testing"
	"time"

	"github.com/partitioncache/partitioncache/internal/cache"
)

func mkEntry(hash string, lastSeen time.Time, count int) cache.Entry {
	return cache.Entry{QueryHash: hash, LastSeen: lastSeen, Count: count}
}

func TestSelectVictimsOldestEvictsTailPastThreshold(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{
		mkEntry("a", now.Add(-3*time.Hour), 1),
		mkEntry("b", now.Add(-2*time.Hour), 1),
		mkEntry("c", now.Add(-1*time.Hour), 1),
		mkEntry("d", now, 1),
	}
	m := &Manager{Config: Config{Strategy: StrategyOldest, Threshold: 2}}
	victims := m.selectVictims(entries)
	if len(victims) != 2 {
		t.Fatalf("expected 2 victims, got %d", len(victims))
	}
	got := map[string]bool{}
	for _, v := range victims {
		got[v.QueryHash] = true
	}
	if !got["a"] || !got["b"] {
		t.Errorf("expected the two oldest entries (a, b) evicted, got %v", victims)
	}
}

func TestSelectVictimsOldestUnderThresholdEvictsNothing(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{
		mkEntry("a", now.Add(-1*time.Hour), 1),
		mkEntry("b", now, 1),
	}
	m := &Manager{Config: Config{Strategy: StrategyOldest, Threshold: 10}}
	victims := m.selectVictims(entries)
	if len(victims) != 0 {
		t.Errorf("expected no eviction under threshold, got %v", victims)
	}
}

func TestSelectVictimsLargestEvictsByCountSumBudget(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{
		mkEntry("small", now, 10),
		mkEntry("medium", now, 50),
		mkEntry("huge", now, 900),
	}
	m := &Manager{Config: Config{Strategy: StrategyLargest, Threshold: 100}}
	victims := m.selectVictims(entries)
	got := map[string]bool{}
	for _, v := range victims {
		got[v.QueryHash] = true
	}
	if !got["huge"] {
		t.Errorf("expected the largest entry evicted first, got %v", victims)
	}
	if got["small"] {
		t.Errorf("expected the smallest entry to survive when dropping 'huge' already clears budget, got %v", victims)
	}
}

func TestSelectVictimsAgeIgnoresThreshold(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{
		mkEntry("old", now.Add(-48*time.Hour), 1),
		mkEntry("new", now, 1),
	}
	m := &Manager{Config: Config{Strategy: StrategyAge, MaxAge: 24 * time.Hour, Threshold: 1000}}
	victims := m.selectVictims(entries)
	if len(victims) != 1 || victims[0].QueryHash != "old" {
		t.Errorf("expected only 'old' evicted, got %v", victims)
	}
}

func TestSelectVictimsAgeDisabledWhenMaxAgeZero(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{mkEntry("old", now.Add(-48*time.Hour), 1)}
	m := &Manager{Config: Config{Strategy: StrategyAge}}
	if victims := m.selectVictims(entries); len(victims) != 0 {
		t.Errorf("expected no eviction when MaxAge is unset, got %v", victims)
	}
}

func TestSelectVictimsBudgetDisabledWhenThresholdZero(t *testing.T) {
	now := time.Now()
	entries := []cache.Entry{mkEntry("a", now, 1000)}
	m := &Manager{Config: Config{Strategy: StrategyOldest}}
	if victims := m.selectVictims(entries); len(victims) != 0 {
		t.Errorf("expected no eviction when Threshold is unset, got %v", victims)
	}
}
