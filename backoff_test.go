package pulse

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func zeroJitter() time.Duration { return 0 }

func TestRetryDelayExact(t *testing.T) {
	var delayTests = []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{6, 30 * time.Second},
		{9, 30 * time.Second},
	}

	for _, test := range delayTests {
		observed := defaultRetryPolicy.delay(test.attempt, zeroJitter)
		if observed != test.expected {
			t.Errorf("attempt %d: got %v want %v", test.attempt, observed, test.expected)
		}
	}
}

// For retry attempt n the delay must land in
// [min(base·2^n, max), min(base·2^n, max) + 1s) with the default jitter.
func TestRetryDelayBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "attempt")

		lower := defaultRetryPolicy.delay(n, zeroJitter)
		observed := defaultRetryPolicy.delay(n, defaultJitter)

		if observed < lower || observed >= lower+time.Second {
			t.Fatalf("attempt %d: delay %v outside [%v, %v)",
				n, observed, lower, lower+time.Second)
		}
	})
}

func TestRetryDelayCustomPolicy(t *testing.T) {
	p := retryPolicy{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond, MaxRetries: 3}

	if got, want := p.delay(0, zeroJitter), 100*time.Millisecond; got != want {
		t.Errorf("attempt 0: got %v want %v", got, want)
	}
	if got, want := p.delay(2, zeroJitter), 400*time.Millisecond; got != want {
		t.Errorf("attempt 2: got %v want %v", got, want)
	}
	if got, want := p.delay(3, zeroJitter), 500*time.Millisecond; got != want {
		t.Errorf("attempt 3 should cap: got %v want %v", got, want)
	}
}
