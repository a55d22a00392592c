package cache

import (
	"reflect"
	"sort"
	"testing"
)

func TestBitsetEncodeDecodeRoundTrip(t *testing.T) {
	ids := []int{0, 1, 7, 8, 15, 100}
	buf := bitsetEncode(ids)
	got := bitsetDecode(buf)
	sort.Ints(got)
	want := append([]int{}, ids...)
	sort.Ints(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBitsetEncodeEmpty(t *testing.T) {
	buf := bitsetEncode(nil)
	if len(bitsetDecode(buf)) != 0 {
		t.Errorf("expected no ids decoded from an empty set")
	}
}

func TestBitsetCardinality(t *testing.T) {
	buf := bitsetEncode([]int{1, 2, 3, 100})
	if got := bitsetCardinality(buf); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestBitsetIntersect(t *testing.T) {
	a := bitsetEncode([]int{1, 2, 3, 200})
	b := bitsetEncode([]int{2, 3, 4})
	result := bitsetIntersect([][]byte{a, b})
	got := bitsetDecode(result)
	sort.Ints(got)
	if !reflect.DeepEqual(got, []int{2, 3}) {
		t.Errorf("got %v, want [2 3]", got)
	}
}

func TestBitsetIntersectDifferentLengthsTreatsMissingAsZero(t *testing.T) {
	short := bitsetEncode([]int{1})
	long := bitsetEncode([]int{1, 500})
	result := bitsetIntersect([][]byte{short, long})
	got := bitsetDecode(result)
	if !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("got %v, want [1] (bit 500 absent from the shorter buffer)", got)
	}
}

func TestBitsetIntersectEmptyInput(t *testing.T) {
	if result := bitsetIntersect(nil); result != nil {
		t.Errorf("expected nil result for no buffers, got %v", result)
	}
}
