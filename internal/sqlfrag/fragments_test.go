package sqlfrag

import (
	"strings"
	"testing"
)

func TestGenerateFragmentsSimpleJoin(t *testing.T) {
	sql := "SELECT a.id FROM orders a JOIN customers b ON a.customer_id = b.id WHERE a.region_id = 5 AND b.status = 'active'"
	result, err := GenerateFragments(sql, "region_id", DefaultOptions())
	if err != nil {
		t.Fatalf("GenerateFragments: %v", err)
	}
	if len(result.Fragments) == 0 {
		t.Fatal("expected at least one fragment")
	}
	for _, f := range result.Fragments {
		if f.Hash == "" {
			t.Errorf("fragment %q has empty hash", f.Text)
		}
	}
}

func TestGenerateFragmentsDeduplicates(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.region_id = 5"
	result, err := GenerateFragments(sql, "region_id", DefaultOptions())
	if err != nil {
		t.Fatalf("GenerateFragments: %v", err)
	}
	seen := map[string]bool{}
	for _, f := range result.Fragments {
		if seen[f.Text] {
			t.Errorf("duplicate fragment text: %q", f.Text)
		}
		seen[f.Text] = true
	}
}

func TestGenerateFragmentsWarnsOnMissingPartitionKey(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'active'"
	opts := DefaultOptions()
	opts.WarnIfPartitionKeyUnreferenced = true
	result, err := GenerateFragments(sql, "region_id", opts)
	if err != nil {
		t.Fatalf("GenerateFragments: %v", err)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "does not reference the declared partition key") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a partition-key warning, got %v", result.Warnings)
	}
}

func TestGenerateFragmentsStripSelect(t *testing.T) {
	sql := "SELECT a.id, a.name FROM orders a WHERE a.region_id = 5"
	opts := DefaultOptions()
	opts.StripSelect = true
	result, err := GenerateFragments(sql, "region_id", opts)
	if err != nil {
		t.Fatalf("GenerateFragments: %v", err)
	}
	for _, f := range result.Fragments {
		// The spine alias is renamed t1..tn by canonicalization same as any
		// other FROM-list alias; the stripped projection must follow suit or
		// it references an alias that no longer exists in the FROM clause.
		if !strings.Contains(strings.ToLower(f.Text), "select t1.region_id") {
			t.Errorf("expected canonically-renamed stripped projection in %q", f.Text)
		}
		if strings.Contains(strings.ToLower(f.Text), "select a.region_id") {
			t.Errorf("projection still references the pre-rename alias in %q", f.Text)
		}
	}
}

func TestGenerateFragmentsStripSelectRenameInvariant(t *testing.T) {
	// Spelling the same query with different alias letters must still
	// produce the same canonical projection/hash set, including when
	// StripSelect rewrites the projection to <alias>.<partition_key>.
	sql1 := "SELECT x.id FROM orders x JOIN customers y ON x.customer_id = y.id WHERE x.region_id = 5 AND y.status = 'active'"
	sql2 := "SELECT q.id FROM orders q JOIN customers r ON q.customer_id = r.id WHERE q.region_id = 5 AND r.status = 'active'"
	opts := DefaultOptions()
	opts.StripSelect = true

	r1, err := GenerateFragments(sql1, "region_id", opts)
	if err != nil {
		t.Fatalf("GenerateFragments(sql1): %v", err)
	}
	r2, err := GenerateFragments(sql2, "region_id", opts)
	if err != nil {
		t.Fatalf("GenerateFragments(sql2): %v", err)
	}

	hashes1 := map[string]bool{}
	for _, f := range r1.Fragments {
		hashes1[f.Hash] = true
	}
	hashes2 := map[string]bool{}
	for _, f := range r2.Fragments {
		hashes2[f.Hash] = true
	}
	if len(hashes1) == 0 || len(hashes1) != len(hashes2) {
		t.Fatalf("expected equal non-empty hash sets, got %d vs %d", len(hashes1), len(hashes2))
	}
	for h := range hashes1 {
		if !hashes2[h] {
			t.Errorf("hash %s present in sql1's fragments but not sql2's (alias-renaming is not hash-stable)", h)
		}
	}
}

func TestGenerateFragmentsRejectsNonSelect(t *testing.T) {
	_, err := GenerateFragments("UPDATE orders SET x = 1", "region_id", DefaultOptions())
	if err == nil {
		t.Fatal("expected an error for a non-SELECT query")
	}
}

func TestGenerateFragmentsRequiresFrom(t *testing.T) {
	_, err := GenerateFragments("SELECT 1", "region_id", DefaultOptions())
	if err == nil {
		t.Fatal("expected an error for a query with no FROM clause")
	}
}

func TestGenerateFragmentsDisjointExtraTablesOnlyWhenConnected(t *testing.T) {
	// b and c share no join condition with each other or with the spine
	// beyond a, so FollowGraph=true must never produce a fragment
	// containing both b and c without a.
	sql := "SELECT a.id FROM orders a, customers b, regions c WHERE a.customer_id = b.id AND a.region_id = c.id AND a.region_id = 5"
	result, err := GenerateFragments(sql, "region_id", DefaultOptions())
	if err != nil {
		t.Fatalf("GenerateFragments: %v", err)
	}
	if len(result.Fragments) == 0 {
		t.Fatal("expected fragments")
	}
	for _, f := range result.Fragments {
		if !strings.Contains(f.Text, "orders t1") {
			t.Errorf("fragment %q omits the spine table orders", f.Text)
		}
	}
}
