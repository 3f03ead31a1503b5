package session

import (
	"testing"
	"time"
)

func testClock(start time.Time) (func() time.Time, *time.Time) {
	now := start
	return func() time.Time { return now }, &now
}

func TestInboundLimiter_NilWhenUnlimited(t *testing.T) {
	if lim := newInboundAudioLimiter(time.Now, 0, 0, 2); lim != nil {
		t.Fatalf("expected nil limiter when both rates are zero")
	}
	var lim *inboundAudioLimiter
	if !lim.Allow(1 << 20) {
		t.Fatalf("nil limiter must admit everything")
	}
}

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	lim := newInboundAudioLimiter(clock, 1, 0, 2) // 2 frame burst
	if !lim.Allow(10) {
		t.Fatalf("expected allow 1")
	}
	if !lim.Allow(10) {
		t.Fatalf("expected allow 2")
	}
	if lim.Allow(10) {
		t.Fatalf("expected deny 3")
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	clock, now := testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	lim := newInboundAudioLimiter(clock, 10, 0, 2) // 20 frame burst
	for i := 0; i < 20; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	*now = now.Add(100 * time.Millisecond) // refills exactly 1 token
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}
}

func TestInboundLimiter_BPSDeniesWhenBytesExceed(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	lim := newInboundAudioLimiter(clock, 0, 100, 2) // 200 byte burst
	if !lim.Allow(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if lim.Allow(60) {
		t.Fatalf("expected deny 60 bytes over bps budget")
	}
}

func TestInboundLimiter_DeniedFrameChargesNothing(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	lim := newInboundAudioLimiter(clock, 0, 100, 1) // 100 byte burst
	if lim.Allow(150) {
		t.Fatalf("expected deny of oversized frame")
	}
	// The denial must not have consumed the remaining budget.
	if !lim.Allow(100) {
		t.Fatalf("expected full budget to survive the denial")
	}
}
