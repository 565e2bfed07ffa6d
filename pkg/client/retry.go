package client

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	tornRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	tornRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "torn_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	tornRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy computes backoff delays for consecutive failed attempts.
// The base delay doubles per attempt up to MaxBackoff; jitter is added on
// top so concurrent fetches do not retry in lockstep.
type RetryPolicy struct {
	// InitialBackoff is the base delay for the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential base delay.
	MaxBackoff time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter is the upper bound of the random delay added to the base.
	Jitter time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         500 * time.Millisecond,
	}
}

// RetryPolicyForErrorClass returns the appropriate policy for an error class.
func RetryPolicyForErrorClass(errorClass ErrorClass) RetryPolicy {
	switch errorClass {
	case ErrorClassServer:
		// 5xx server errors - shorter backoff
		return RetryPolicy{
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			Jitter:         500 * time.Millisecond,
		}
	case ErrorClassNetwork:
		// Network errors - medium backoff
		return RetryPolicy{
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			Jitter:         500 * time.Millisecond,
		}
	default:
		return DefaultRetryPolicy()
	}
}

// BaseDelay returns the deterministic part of the delay for the given
// zero-based attempt number. It is non-decreasing up to MaxBackoff.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}

	if delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// NextDelay returns BaseDelay plus random jitter.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay(attempt)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}
