package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurstThenThrottle(t *testing.T) {
	l := New(1.0, 3.0)
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if l.Allow("k") {
		t.Fatalf("expected bucket to be exhausted after burst")
	}

	fixedNow = fixedNow.Add(2 * time.Second)
	if !l.Allow("k") {
		t.Fatalf("expected a token to have leaked back in after 2s at 1/s")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(1.0, 1.0)
	if !l.Allow("a") {
		t.Fatalf("expected first use of key a to be allowed")
	}
	if !l.Allow("b") {
		t.Fatalf("expected key b to have its own bucket")
	}
	if l.Allow("a") {
		t.Fatalf("expected key a to be exhausted")
	}
}
