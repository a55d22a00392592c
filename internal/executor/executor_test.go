package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigTimeoutDefault(t *testing.T) {
	c := Config{}
	if got := c.timeout(); got != 300*time.Second {
		t.Errorf("got %v, want 300s default", got)
	}
}

func TestConfigTimeoutExplicit(t *testing.T) {
	c := Config{TimeoutSeconds: 45}
	if got := c.timeout(); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
}

func TestIsStatementTimeoutMatchesCode57014(t *testing.T) {
	err := &pgconn.PgError{Code: "57014"}
	if !isStatementTimeout(err) {
		t.Error("expected 57014 to be recognized as a statement timeout")
	}
}

func TestIsStatementTimeoutRejectsOtherCodes(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"}
	if isStatementTimeout(err) {
		t.Error("expected a unique-violation code not to be treated as a timeout")
	}
	if isStatementTimeout(errors.New("plain error")) {
		t.Error("expected a non-pg error not to be treated as a timeout")
	}
}

func TestLockKeyDeterministicAndDistinct(t *testing.T) {
	a1, a2 := lockKey("region_id", "hash1")
	b1, b2 := lockKey("region_id", "hash1")
	if a1 != b1 || a2 != b2 {
		t.Error("expected lockKey to be deterministic for the same inputs")
	}
	c1, c2 := lockKey("region_id", "hash2")
	if a1 == c1 && a2 == c2 {
		t.Error("expected different fragment hashes to produce different lock keys")
	}
}
