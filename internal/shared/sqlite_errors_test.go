//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: try again"), true},
		{errors.New("database is locked (5)"), true},
		{errors.New("no such table: runs"), false},
	}
	for _, tc := range cases {
		if got := IsSQLiteConflictError(tc.err); got != tc.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryOnConflictRetriesLockErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), "test", 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := RetryOnConflict(context.Background(), "test", 5, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
