package backoff

import (
	"errors"
	"testing"
	"time"
)

// zeroJitter makes delays deterministic in tests.
func zeroJitter() float64 { return 0 }

func TestDelay_Exponential(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
	}
	for _, tt := range tests {
		got, err := Delay(tt.attempt, PeriodSeconds, Exponential, 0, zeroJitter)
		if err != nil {
			t.Fatalf("attempt %d: %v", tt.attempt, err)
		}
		if got != tt.want {
			t.Errorf("Delay(%d, exponential) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_ExponentialStrictlyIncreasing(t *testing.T) {
	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		got, err := Delay(attempt, PeriodSeconds, Exponential, 0, zeroJitter)
		if err != nil {
			t.Fatal(err)
		}
		if got <= prev {
			t.Fatalf("Delay(%d) = %s, not greater than Delay(%d) = %s", attempt, got, attempt-1, prev)
		}
		prev = got
	}
}

func TestDelay_Linear(t *testing.T) {
	tests := []struct {
		attempt int
		factor  float64
		want    time.Duration
	}{
		{1, 1, 6 * time.Second},
		{2, 1, 7 * time.Second},
		{3, 2, 11 * time.Second},
	}
	for _, tt := range tests {
		got, err := Delay(tt.attempt, PeriodSeconds, Linear, tt.factor, zeroJitter)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Delay(%d, linear, factor=%v) = %s, want %s", tt.attempt, tt.factor, got, tt.want)
		}
	}
}

func TestDelay_StaticIgnoresAttempt(t *testing.T) {
	for _, attempt := range []int{1, 3, 100} {
		got, err := Delay(attempt, PeriodMinutes, Static, 2, zeroJitter)
		if err != nil {
			t.Fatal(err)
		}
		if got != 2*time.Minute {
			t.Errorf("Delay(%d, static, factor=2) = %s, want 2m", attempt, got)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	// Jitter contributes [0, 1) period units on top of the deterministic delay.
	low, err := Delay(1, PeriodSeconds, Static, 5, func() float64 { return 0 })
	if err != nil {
		t.Fatal(err)
	}
	high, err := Delay(1, PeriodSeconds, Static, 5, func() float64 { return 0.999999 })
	if err != nil {
		t.Fatal(err)
	}
	if low != 5*time.Second {
		t.Errorf("zero-jitter delay = %s, want 5s", low)
	}
	if high < 5*time.Second || high >= 6*time.Second {
		t.Errorf("max-jitter delay = %s, want in [5s, 6s)", high)
	}
}

func TestDelay_DefaultJitterWithinUnit(t *testing.T) {
	for i := 0; i < 50; i++ {
		got, err := Delay(1, PeriodSeconds, Static, 5, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got < 5*time.Second || got >= 6*time.Second {
			t.Fatalf("delay with default jitter = %s, want in [5s, 6s)", got)
		}
	}
}

func TestDelay_Errors(t *testing.T) {
	if _, err := Delay(0, PeriodSeconds, Static, 1, zeroJitter); !errors.Is(err, ErrAttempt) {
		t.Errorf("attempt 0: err = %v, want ErrAttempt", err)
	}
	if _, err := Delay(-3, PeriodSeconds, Static, 1, zeroJitter); !errors.Is(err, ErrAttempt) {
		t.Errorf("attempt -3: err = %v, want ErrAttempt", err)
	}
	if _, err := Delay(1, Period("hours"), Static, 1, zeroJitter); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("bad period: err = %v, want ErrInvalidPeriod", err)
	}
	if _, err := Delay(1, PeriodSeconds, Policy("fibonacci"), 1, zeroJitter); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("bad policy: err = %v, want ErrInvalidPolicy", err)
	}
}
