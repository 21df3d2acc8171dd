package upstream

import (
	"testing"
	"time"
)

// S6 — backoff retry ladder: with jitter pinned to zero, four successive
// delays follow the documented 500/1000/2000/4000ms exponential ladder.
func TestBackoff_S6_RetryLadderWithZeroJitter(t *testing.T) {
	b := NewBackoff()
	b.rand = func() float64 { return 0.5 } // (0.5*2-1)*frac == 0, no jitter

	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}
	for i, w := range want {
		got := b.Next()
		if got != w {
			t.Fatalf("attempt %d: Next() = %v, want %v", i, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("Attempt() = %d, want %d", b.Attempt(), len(want))
	}
}

// Jitter stays within +-JitterFrac of the unjittered base delay.
func TestBackoff_JitterStaysWithinConfiguredFraction(t *testing.T) {
	b := NewBackoff()
	b.rand = func() float64 { return 1.0 } // max positive jitter
	got := b.Next()
	want := time.Duration(float64(500*time.Millisecond) * 1.2)
	if got != want {
		t.Fatalf("Next() = %v, want %v", got, want)
	}

	b2 := NewBackoff()
	b2.rand = func() float64 { return 0.0 } // max negative jitter
	got2 := b2.Next()
	want2 := time.Duration(float64(500*time.Millisecond) * 0.8)
	if got2 != want2 {
		t.Fatalf("Next() = %v, want %v", got2, want2)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := NewBackoff()
	b.rand = func() float64 { return 0.5 }
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Next()
	}
	if last != b.Max {
		t.Fatalf("Next() after many attempts = %v, want capped at Max=%v", last, b.Max)
	}
}

func TestBackoff_ResetRestartsLadder(t *testing.T) {
	b := NewBackoff()
	b.rand = func() float64 { return 0.5 }
	b.Next()
	b.Next()
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("Attempt() after Reset = %d, want 0", b.Attempt())
	}
	if got := b.Next(); got != 500*time.Millisecond {
		t.Fatalf("Next() after Reset = %v, want 500ms", got)
	}
}

func TestBackoff_NilReceiverIsSafe(t *testing.T) {
	var b *Backoff
	if got := b.Next(); got != 0 {
		t.Fatalf("Next() on nil backoff = %v, want 0", got)
	}
	if got := b.Attempt(); got != 0 {
		t.Fatalf("Attempt() on nil backoff = %d, want 0", got)
	}
	b.Reset()
}
