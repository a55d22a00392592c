package singleton

import "testing"

type fakeCloser struct {
	closed bool
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestGetReusesSameEntryForSameKey(t *testing.T) {
	r := New[*fakeCloser]()
	built := 0
	factory := func() (*fakeCloser, error) {
		built++
		return &fakeCloser{}, nil
	}

	h1, err := Get(r, "k", factory)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h2, err := Get(r, "k", factory)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if built != 1 {
		t.Errorf("expected factory called once, got %d", built)
	}
	if h1.Value != h2.Value {
		t.Error("expected both handles to share the same underlying value")
	}
	if r.RefCount("k") != 2 {
		t.Errorf("expected refcount 2, got %d", r.RefCount("k"))
	}
}

func TestCloseOnlyReleasesOnLastHandle(t *testing.T) {
	r := New[*fakeCloser]()
	factory := func() (*fakeCloser, error) { return &fakeCloser{}, nil }

	h1, _ := Get(r, "k", factory)
	h2, _ := Get(r, "k", factory)
	underlying := h1.Value

	if err := h1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if underlying.closed {
		t.Error("expected underlying value to remain open while a handle is outstanding")
	}
	if r.RefCount("k") != 1 {
		t.Errorf("expected refcount 1 after one Close, got %d", r.RefCount("k"))
	}

	if err := h2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !underlying.closed {
		t.Error("expected underlying value closed once the last handle is closed")
	}
	if r.RefCount("k") != 0 {
		t.Errorf("expected refcount 0 after last Close, got %d", r.RefCount("k"))
	}
}

func TestDistinctKeysGetDistinctEntries(t *testing.T) {
	r := New[*fakeCloser]()
	factory := func() (*fakeCloser, error) { return &fakeCloser{}, nil }

	h1, _ := Get(r, "a", factory)
	h2, _ := Get(r, "b", factory)
	if h1.Value == h2.Value {
		t.Error("expected distinct keys to produce distinct values")
	}
}

func TestGetPropagatesFactoryError(t *testing.T) {
	r := New[*fakeCloser]()
	_, err := Get(r, "k", func() (*fakeCloser, error) {
		return nil, errBoom
	})
	if err == nil {
		t.Fatal("expected an error from a failing factory")
	}
}

func TestKeyCombinesParameters(t *testing.T) {
	if Key("a", "b", "c") == Key("a", "b", "d") {
		t.Error("expected distinct table prefixes to produce distinct keys")
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }
