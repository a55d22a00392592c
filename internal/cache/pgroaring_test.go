package cache

import (
	"reflect"
	"sort"
	"testing"
)

func TestStringsToBitmapRoundTrip(t *testing.T) {
	bm, err := stringsToBitmap([]string{"1", "5", "100"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := bitmapToStrings(bm)
	sort.Strings(got)
	want := []string{"1", "100", "5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStringsToBitmapRejectsNonIntegers(t *testing.T) {
	if _, err := stringsToBitmap([]string{"not-a-number"}); err == nil {
		t.Error("expected an error for a non-integer value")
	}
}

func TestStringsToBitmapRejectsNegative(t *testing.T) {
	if _, err := stringsToBitmap([]string{"-1"}); err == nil {
		t.Error("expected an error for a negative value, roaring bitmaps are unsigned")
	}
}

func TestBitmapToStringsEmpty(t *testing.T) {
	bm, err := stringsToBitmap(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bitmapToStrings(bm); len(got) != 0 {
		t.Errorf("expected no strings for an empty bitmap, got %v", got)
	}
}
