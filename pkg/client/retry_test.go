package client

import (
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", policy.InitialBackoff)
	}
	if policy.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", policy.MaxBackoff)
	}
	if policy.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", policy.Multiplier)
	}
}

func TestRetryPolicyForErrorClass(t *testing.T) {
	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "server error policy",
			errorClass:      ErrorClassServer,
			expectedInitial: 1 * time.Second,
			expectedMax:     10 * time.Second,
		},
		{
			name:            "network error policy",
			errorClass:      ErrorClassNetwork,
			expectedInitial: 2 * time.Second,
			expectedMax:     30 * time.Second,
		},
		{
			name:            "unknown class uses default",
			errorClass:      "",
			expectedInitial: 1 * time.Second,
			expectedMax:     30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := RetryPolicyForErrorClass(tt.errorClass)

			if policy.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", policy.InitialBackoff, tt.expectedInitial)
			}
			if policy.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", policy.MaxBackoff, tt.expectedMax)
			}
		})
	}
}

func TestBaseDelay_MonotoneUpToCap(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		delay := policy.BaseDelay(attempt)

		if delay < prev {
			t.Errorf("BaseDelay(%d) = %v, decreased from %v", attempt, delay, prev)
		}
		if delay > policy.MaxBackoff {
			t.Errorf("BaseDelay(%d) = %v, exceeds cap %v", attempt, delay, policy.MaxBackoff)
		}
		prev = delay
	}

	if got := policy.BaseDelay(9); got != policy.MaxBackoff {
		t.Errorf("BaseDelay(9) = %v, want cap %v", got, policy.MaxBackoff)
	}
}

func TestBaseDelay_ExponentialGrowth(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: 1 * time.Second},
		{attempt: 1, expected: 2 * time.Second},
		{attempt: 2, expected: 4 * time.Second},
		{attempt: 3, expected: 8 * time.Second},
		{attempt: -1, expected: 1 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.BaseDelay(tt.attempt); got != tt.expected {
			t.Errorf("BaseDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestNextDelay_JitterBounds(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         500 * time.Millisecond,
	}

	for i := 0; i < 100; i++ {
		delay := policy.NextDelay(1)
		base := policy.BaseDelay(1)

		if delay < base || delay >= base+policy.Jitter {
			t.Fatalf("NextDelay(1) = %v, want in [%v, %v)", delay, base, base+policy.Jitter)
		}
	}
}
