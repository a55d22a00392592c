package cache

import (
	"reflect"
	"sort"
	"testing"
)

func TestBitmapToStringSliceDelegatesToBitmapToStrings(t *testing.T) {
	bm, err := stringsToBitmap([]string{"3", "7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := bitmapToStringSlice(bm)
	sort.Strings(got)
	want := []string{"3", "7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
