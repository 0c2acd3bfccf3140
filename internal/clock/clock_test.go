package clock

import (
	"testing"
	"time"
)

func TestTestClockAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewTestClock(start)

	c.Advance(42 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(42 * time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(42*time.Minute))
	}

	c.Set(start)
	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() after Set = %v, want %v", got, start)
	}
}

func TestRealClockMovesForward(t *testing.T) {
	var c Clock = RealClock{}
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Errorf("RealClock went backwards: %v then %v", a, b)
	}
}
