package util

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationBuilderCollectsAllFailures(t *testing.T) {
	vb := &ValidationBuilder{}
	vb.Add(true, "should not be recorded")
	vb.Add(false, "first failure")
	vb.AddErrorf("second failure: %d", 42)

	if !vb.HasErrors() {
		t.Fatal("expected failures to be recorded")
	}
	err := vb.Build()
	if err == nil {
		t.Fatal("expected a non-nil error")
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("validation errors must unwrap to ErrValidationFailed, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Errors) != 2 {
		t.Fatalf("expected 2 collected failures, got %v", err)
	}
}

func TestValidationBuilderEmptyBuildsNil(t *testing.T) {
	vb := &ValidationBuilder{}
	vb.Add(true, "fine")
	if vb.Build() != nil {
		t.Fatal("no failures must build a nil error")
	}
}

func TestConflictErrorUnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("router r1: %w", NewConflictError("rp2", "extra distributed gateway port"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("conflict errors must unwrap to ErrConflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Resource != "rp2" {
		t.Fatalf("expected the conflicting resource preserved, got %v", err)
	}
}
