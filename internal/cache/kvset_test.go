package cache

import "testing"

func TestParseRedisIntAcceptsBase10(t *testing.T) {
	n, err := parseRedisInt("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("got %d, want 42", n)
	}
}

func TestParseRedisIntRejectsNonInteger(t *testing.T) {
	if _, err := parseRedisInt("abc"); err == nil {
		t.Error("expected an error for a non-integer value")
	}
}
