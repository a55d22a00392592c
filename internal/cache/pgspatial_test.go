package cache

import (
	"reflect"
	"sort"
	"testing"
)

func TestIntersectStringSetsCommonElements(t *testing.T) {
	sets := [][]string{
		{"a", "b", "c"},
		{"b", "c", "d"},
		{"b", "c"},
	}
	got := intersectStringSets(sets)
	sort.Strings(got)
	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIntersectStringSetsNoOverlap(t *testing.T) {
	sets := [][]string{{"a"}, {"b"}}
	if got := intersectStringSets(sets); len(got) != 0 {
		t.Errorf("expected no common elements, got %v", got)
	}
}

func TestIntersectStringSetsDuplicatesWithinASetCountOnce(t *testing.T) {
	sets := [][]string{
		{"a", "a", "a"},
		{"a"},
	}
	got := intersectStringSets(sets)
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("got %v, want [a]", got)
	}
}

func TestIntersectStringSetsEmptyInput(t *testing.T) {
	if got := intersectStringSets(nil); got != nil {
		t.Errorf("expected nil for no sets, got %v", got)
	}
}
