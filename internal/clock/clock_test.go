package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	short := clk.After(time.Second)
	long := clk.After(time.Minute)

	if got := clk.Waiters(); got != 2 {
		t.Fatalf("waiters = %d, want 2", got)
	}

	now := clk.Advance(time.Second)
	if !now.Equal(start.Add(time.Second)) {
		t.Fatalf("advance returned %v, want %v", now, start.Add(time.Second))
	}
	select {
	case <-short:
	default:
		t.Fatalf("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatalf("long waiter fired early")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatalf("long waiter did not fire")
	}
	if got := clk.Waiters(); got != 0 {
		t.Fatalf("waiters = %d, want 0", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("zero-duration After did not fire immediately")
	}
}

func TestManualAdvanceToNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	clk.Advance(time.Hour)
	clk.AdvanceTo(start)
	if got := clk.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("now = %v, want %v", got, start.Add(time.Hour))
	}
}
