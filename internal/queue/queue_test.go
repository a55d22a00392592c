package queue

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestOriginalMemberDistinguishesPartitionKey(t *testing.T) {
	a := originalMember("SELECT 1", "region_id")
	b := originalMember("SELECT 1", "zone_id")
	if a == b {
		t.Error("expected different partition keys to produce different member keys for the same query text")
	}
}

func TestFragmentMemberDistinguishesHash(t *testing.T) {
	a := fragmentMember("hash1", "region_id")
	b := fragmentMember("hash2", "region_id")
	if a == b {
		t.Error("expected different fragment hashes to produce different member keys")
	}
}

func TestScriptStatusInsertedVsUpdated(t *testing.T) {
	if got := scriptStatus(int64(1)); got != StatusInserted {
		t.Errorf("got %q, want inserted", got)
	}
	if got := scriptStatus(int64(0)); got != StatusUpdated {
		t.Errorf("got %q, want updated", got)
	}
}

func TestPriorityScoreHigherPriorityWinsTies(t *testing.T) {
	low := priorityScore(1, 1000)
	high := priorityScore(2, 1000)
	if !(high > low) {
		t.Errorf("expected higher priority to score higher: low=%v high=%v", low, high)
	}
}

func TestPriorityScoreOlderEnqueueWinsAtSamePriority(t *testing.T) {
	older := priorityScore(1, 1000)
	newer := priorityScore(1, 2000)
	if !(older > newer) {
		t.Errorf("expected the earlier enqueued_at to score higher at equal priority: older=%v newer=%v", older, newer)
	}
}

func TestIsLockTimeoutMatchesCode55P03(t *testing.T) {
	if !isLockTimeout(&pgconn.PgError{Code: "55P03"}) {
		t.Error("expected 55P03 to be recognized as a lock timeout")
	}
	if isLockTimeout(&pgconn.PgError{Code: "40001"}) {
		t.Error("expected a serialization-failure code not to be treated as a lock timeout")
	}
	if isLockTimeout(errors.New("plain error")) {
		t.Error("expected a non-pg error not to be treated as a lock timeout")
	}
}
