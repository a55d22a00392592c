// Package cliutil holds the small amount of bootstrap every pcache-*
// binary repeats: load Config, open the source pool, emit JSON or plain
// text consistently. Factored out here since PartitionCache ships five
// separate binaries rather than one multi-command CLI.
package cliutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/config"
)

// Fatalf prints an error to stderr and exits 1: exit code 0 means success,
// 1 means error, across every pcache-* binary.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// MustLoadConfig loads Config or exits 1 with the offending variable name.
func MustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		Fatalf("%v", err)
	}
	return cfg
}

// MustOpenPool opens a pgxpool.Pool against cfg.DB or exits 1.
func MustOpenPool(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		Fatalf("connecting to database: %v", err)
	}
	return pool
}

// OutputJSON marshals v with indentation and writes it to stdout.
func OutputJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Fatalf("marshaling output: %v", err)
	}
	fmt.Println(string(b))
}
