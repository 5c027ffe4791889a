package apperr

import (
	"fmt"
	"testing"
)

func TestAsReject(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewReject(4, "no %s", "thanks"))
	r, ok := AsReject(err)
	if !ok {
		t.Fatal("AsReject = false, want true")
	}
	if r.Code != 4 || r.Message != "no thanks" {
		t.Fatalf("reject = %+v", r)
	}
	if _, ok := AsReject(ErrNotFound); ok {
		t.Fatal("sentinel should not be a reject")
	}
}
