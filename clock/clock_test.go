/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package clock

import (
	"testing"
	"time"
)

func TestFakeClockNow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(30 * 24 * time.Hour)
	if got := c.Now(); !got.Equal(start.AddDate(0, 0, 30)) {
		t.Errorf("after Advance Now() = %v", got)
	}

	c.Set(start)
	if got := c.Now(); !got.Equal(start) {
		t.Errorf("after Set Now() = %v, want %v", got, start)
	}
}

func TestRealClockMoves(t *testing.T) {
	c := Real()
	before := time.Now()
	if c.Now().Before(before) {
		t.Error("Real().Now() should not precede time.Now()")
	}
}
