package cache

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestSqlArrayTypeKnownDatatypes(t *testing.T) {
	cases := map[Datatype]string{
		DatatypeInteger:   "INTEGER[]",
		DatatypeFloat:     "NUMERIC[]",
		DatatypeText:      "TEXT[]",
		DatatypeTimestamp: "TIMESTAMP[]",
	}
	for dt, want := range cases {
		got, err := sqlArrayType(dt)
		if err != nil {
			t.Errorf("%s: unexpected error %v", dt, err)
		}
		if got != want {
			t.Errorf("%s: got %q, want %q", dt, got, want)
		}
	}
}

func TestSqlArrayTypeUnsupportedDatatype(t *testing.T) {
	if _, err := sqlArrayType(Datatype("bogus")); err == nil {
		t.Error("expected an error for an unsupported datatype")
	}
}

func TestErrIsNoRows(t *testing.T) {
	if !errIsNoRows(pgx.ErrNoRows) {
		t.Error("expected pgx.ErrNoRows to be recognized")
	}
	if errIsNoRows(errors.New("other")) {
		t.Error("expected a non-ErrNoRows error not to be recognized")
	}
}

func TestIsNullSentinelSlice(t *testing.T) {
	if !isNullSentinelSlice([]string{nullSentinel}) {
		t.Error("expected a single-element null sentinel slice to be recognized")
	}
	if isNullSentinelSlice([]string{nullSentinel, "x"}) {
		t.Error("expected a multi-element slice not to be treated as the null sentinel")
	}
	if isNullSentinelSlice([]string{"x"}) {
		t.Error("expected a non-sentinel single element not to be treated as null")
	}
	if isNullSentinelSlice(nil) {
		t.Error("expected a nil slice not to be treated as the null sentinel")
	}
}

func TestJoinComma(t *testing.T) {
	if got := joinComma(nil); got != "" {
		t.Errorf("got %q, want empty string for no elements", got)
	}
	if got := joinComma([]string{"'a'"}); got != "'a'" {
		t.Errorf("got %q, want 'a'", got)
	}
	if got := joinComma([]string{"'a'", "'b'", "'c'"}); got != "'a', 'b', 'c'" {
		t.Errorf("got %q, want \"'a', 'b', 'c'\"", got)
	}
}
