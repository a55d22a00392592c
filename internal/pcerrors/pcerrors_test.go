package pcerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(ExecutionError, "op", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Timeout, "executor.Run", cause)
	if !Is(err, Timeout) {
		t.Errorf("expected Is(err, Timeout) to be true")
	}
	if Is(err, ExecutionError) {
		t.Errorf("expected Is(err, ExecutionError) to be false")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to unwrap to cause")
	}
}

func TestErrorsIsWithSentinels(t *testing.T) {
	err := New(CapacityExceeded, "bitcache.Set", errors.New("bit overflow"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected errors.Is(err, ErrCapacityExceeded) to be true")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("expected errors.Is(err, ErrTimeout) to be false")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := New(DatatypeConflict, "cache.RegisterPartitionKey", errors.New("already integer"))
	want := fmt.Sprintf("%s: %s: %v", DatatypeConflict, "cache.RegisterPartitionKey", errors.New("already integer"))
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageFormatWithoutOp(t *testing.T) {
	err := New(Fatal, "", errors.New("corrupt"))
	want := fmt.Sprintf("%s: %v", Fatal, errors.New("corrupt"))
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
