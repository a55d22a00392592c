package eviction

import (
	"testing"

	"github.com/partitioncache/partitioncache/internal/config"
	"github.com/partitioncache/partitioncache/internal/pcerrors"
)

func TestNewFromConfigRejectsUnknownStrategy(t *testing.T) {
	cfg := &config.Config{Eviction: config.Eviction{Strategy: "bogus"}}
	_, err := NewFromConfig(cfg, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}
	if !pcerrors.Is(err, pcerrors.InvalidArgument) {
		t.Errorf("expected an InvalidArgument error, got %v", err)
	}
}

func TestNewFromConfigAcceptsKnownStrategies(t *testing.T) {
	for _, s := range []string{"oldest", "largest", "age"} {
		cfg := &config.Config{Eviction: config.Eviction{Strategy: s, Threshold: 10}}
		m, err := NewFromConfig(cfg, nil, nil, nil)
		if err != nil {
			t.Fatalf("strategy %q: unexpected error %v", s, err)
		}
		if m.Config.Strategy != Strategy(s) {
			t.Errorf("strategy %q: got %q", s, m.Config.Strategy)
		}
	}
}
