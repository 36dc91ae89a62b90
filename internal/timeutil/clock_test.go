package timeutil

import (
	"testing"
	"time"
)

func TestRealClockMovesForward(t *testing.T) {
	c := RealClock{}
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("time went backwards: %v then %v", a, b)
	}
	if c.Since(a) < 0 {
		t.Fatal("negative elapsed time")
	}
}

func TestFakeClockOnlyAdvancesExplicitly(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	if !c.Now().Equal(start) {
		t.Fatal("time moved without Advance")
	}

	c.Advance(90 * time.Second)
	if got := c.Since(start); got != 90*time.Second {
		t.Fatalf("Since = %v, want 90s", got)
	}
}
