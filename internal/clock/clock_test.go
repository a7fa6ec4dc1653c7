package clock_test

import (
	"testing"
	"time"

	"pkt.systems/svcgroup/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualSince(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	start := m.Now()
	m.Advance(250 * time.Millisecond)
	m.Advance(-time.Hour)
	if got := clock.Since(m, start); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
	if _, ok := clock.Ensure(nil).(clock.Real); !ok {
		t.Fatalf("nil clock should fall back to Real")
	}
}
