package network

import (
	"testing"
	"time"
)

func TestBackoffExactSequence(t *testing.T) {
	b := newReconnectBackoff(BackoffPolicy{
		Base:   100 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: 0,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		6400 * time.Millisecond,
		12800 * time.Millisecond,
		25600 * time.Millisecond,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	b := newReconnectBackoff(DefaultBackoffPolicy())
	for i := 0; i < 200; i++ {
		if d := b.Next(); d > 30*time.Second || d <= 0 {
			t.Fatalf("Attempt %d: delay %v out of range", i+1, d)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := newReconnectBackoff(BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.2})

	d := b.Next()
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("Expected first delay within 20%% of 1s, got %v", d)
	}
}

func TestBackoffReset(t *testing.T) {
	b := newReconnectBackoff(BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second})
	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	if d := b.Next(); d != 100*time.Millisecond {
		t.Errorf("Expected base delay after reset, got %v", d)
	}
}

func TestBackoffPolicyDefaults(t *testing.T) {
	b := newReconnectBackoff(BackoffPolicy{Jitter: 5})
	def := DefaultBackoffPolicy()

	if b.policy.Base != def.Base {
		t.Errorf("Expected base %v, got %v", def.Base, b.policy.Base)
	}
	if b.policy.Max != def.Base {
		t.Errorf("Expected max clamped to base %v, got %v", def.Base, b.policy.Max)
	}
	if b.policy.Jitter != def.Jitter {
		t.Errorf("Expected jitter %v, got %v", def.Jitter, b.policy.Jitter)
	}
}
