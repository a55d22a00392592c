package sqlfrag

import (
	"strings"
	"testing"
)

func TestRewriteInList(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, err := Rewrite(sql, []string{"1", "2", "3"}, RewriteOptions{Method: MethodInList, PartitionKey: "region_id"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	want := "a.region_id IN (1, 2, 3)"
	if !containsAll(out, want, "AND") {
		t.Errorf("got %q, want it to contain %q and an AND", out, want)
	}
}

func TestRewriteNoExistingWhere(t *testing.T) {
	sql := "SELECT a.id FROM orders a"
	out, err := Rewrite(sql, []string{"1"}, RewriteOptions{Method: MethodInList, PartitionKey: "region_id"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !containsAll(out, "WHERE", "a.region_id IN (1)") {
		t.Errorf("got %q", out)
	}
}

func TestRewriteEmptyKeysErrors(t *testing.T) {
	_, err := Rewrite("SELECT a.id FROM orders a", nil, RewriteOptions{Method: MethodInList, PartitionKey: "region_id"})
	if err == nil {
		t.Fatal("expected an error for zero keys")
	}
}

func TestRewriteUnknownMethodErrors(t *testing.T) {
	_, err := Rewrite("SELECT a.id FROM orders a", []string{"1"}, RewriteOptions{Method: "bogus", PartitionKey: "region_id"})
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestRewriteValuesList(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, err := Rewrite(sql, []string{"1", "2"}, RewriteOptions{Method: MethodValuesList, PartitionKey: "region_id"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !containsAll(out, "VALUES (1), (2)") {
		t.Errorf("got %q", out)
	}
}

func TestRewriteTempTableIn(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, err := Rewrite(sql, []string{"1"}, RewriteOptions{Method: MethodTempTableIn, PartitionKey: "region_id", TempTable: "my_keys"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !containsAll(out, "IN (SELECT key FROM my_keys)") {
		t.Errorf("got %q", out)
	}
}

func TestRewriteTempTableJoin(t *testing.T) {
	sql := "SELECT a.id FROM orders a WHERE a.status = 'open'"
	out, err := Rewrite(sql, []string{"1"}, RewriteOptions{Method: MethodTempTableJoin, PartitionKey: "region_id"})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !containsAll(out, "EXISTS (SELECT 1 FROM pcache_keys __pk WHERE __pk.key = a.region_id)") {
		t.Errorf("got %q", out)
	}
}

func TestFormatLiteralQuotesNonNumeric(t *testing.T) {
	if got := formatLiteral("abc"); got != "'abc'" {
		t.Errorf("got %q, want 'abc'", got)
	}
	if got := formatLiteral("42"); got != "42" {
		t.Errorf("got %q, want 42", got)
	}
	if got := formatLiteral("o'brien"); got != "'o''brien'" {
		t.Errorf("got %q, want escaped quote", got)
	}
}

func TestTempTableDDL(t *testing.T) {
	ddl := TempTableDDL("", "bigint")
	if !containsAll(ddl, "CREATE TEMP TABLE IF NOT EXISTS pcache_keys", "bigint", "ON COMMIT DROP") {
		t.Errorf("got %q", ddl)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
