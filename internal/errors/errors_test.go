// Package errors tests for the sync error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrDatabase, ErrMigration, ErrValidation,
		ErrNetwork, ErrTimeout, ErrVersionConflict, ErrDeadLettered, ErrDataCorruption,
		ErrQuotaExceeded, ErrOfflineLimit, ErrSyncFailed, ErrAlreadyResolved, ErrAckRequired,
		ErrPermission, ErrSessionExpired, ErrCodeExhausted,
	}
	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Fatal("empty error code")
		}
		if seen[code] {
			t.Errorf("duplicate error code %q", code)
		}
		seen[code] = true
	}
}

// TestAppErrorMessage verifies formatting with and without a cause.
func TestAppErrorMessage(t *testing.T) {
	plain := New(ErrNotFound, "conflict not found")
	if plain.Error() != "[NOT_FOUND] conflict not found" {
		t.Errorf("Error() = %q", plain.Error())
	}

	wrapped := Wrap(ErrNetwork, "push failed", errors.New("connection reset"))
	if !strings.Contains(wrapped.Error(), "connection reset") {
		t.Errorf("Error() = %q, want cause included", wrapped.Error())
	}
	if errors.Unwrap(wrapped).Error() != "connection reset" {
		t.Error("Unwrap should return the cause")
	}
}

// TestIsWalksChain verifies Is finds codes through fmt wrapping and nested AppErrors.
func TestIsWalksChain(t *testing.T) {
	inner := New(ErrTimeout, "push timed out")
	outer := Wrap(ErrSyncFailed, "drain failed", inner)
	err := fmt.Errorf("cycle: %w", outer)

	if !Is(err, ErrSyncFailed) {
		t.Error("expected outer code to match")
	}
	if !Is(err, ErrTimeout) {
		t.Error("expected inner code to match")
	}
	if Is(err, ErrPermission) {
		t.Error("unexpected match for unrelated code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("plain errors carry no code")
	}
	if CodeOf(err) != ErrSyncFailed {
		t.Errorf("CodeOf = %s, want %s", CodeOf(err), ErrSyncFailed)
	}
	if CodeOf(errors.New("plain")) != ErrInternal {
		t.Error("CodeOf plain error should be INTERNAL_ERROR")
	}
}

// TestRetryClassification verifies which codes are retried and which surface.
func TestRetryClassification(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
		terminal  bool
	}{
		{ErrNetwork, true, false},
		{ErrTimeout, true, false},
		{ErrPermission, false, true},
		{ErrDeadLettered, false, true},
		{ErrDataCorruption, false, true},
		{ErrSessionExpired, false, true},
		{ErrQuotaExceeded, false, true},
		{ErrVersionConflict, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsTerminal(err); got != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v", got, tt.terminal)
			}
		})
	}
}
