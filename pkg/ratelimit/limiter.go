package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for limiter decisions.
var (
	tornTokensAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torn_rate_limit_tokens_available",
		Help: "Tokens currently available in the rolling rate limit window",
	})

	tornAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torn_rate_limit_acquires_total",
		Help: "Total admission decisions by result",
	}, []string{"result"}) // "acquired", "rejected_window", "rejected_penalty"

	tornPenaltiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torn_rate_limit_penalties_total",
		Help: "Total penalty windows entered after upstream throttling",
	})
)

// Limiter gates outbound requests against a rolling 60-second window and
// holds the Open/Penalized state machine. All methods are safe for
// concurrent use; each in-flight fetch shares one Limiter instance.
type Limiter struct {
	mu           sync.Mutex
	maxTokens    int
	window       []time.Time
	penaltyUntil time.Time
	stats        Stats
	logger       zerolog.Logger

	// now is swapped out in tests to avoid real 60s windows.
	now func() time.Time
}

// New creates a limiter with the given token ceiling, clamped to 1-99.
func New(maxTokens int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		maxTokens: clampLimit(maxTokens),
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		now:       time.Now,
	}
}

// TryAcquire attempts to admit one request. It returns true and records a
// timestamp when capacity is available and no penalty is active. It never
// blocks; callers poll cooperatively.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if now.Before(l.penaltyUntil) {
		tornAcquiresTotal.WithLabelValues("rejected_penalty").Inc()
		return false
	}

	if len(l.window) >= l.maxTokens {
		tornAcquiresTotal.WithLabelValues("rejected_window").Inc()
		return false
	}

	l.window = append(l.window, now)
	tornAcquiresTotal.WithLabelValues("acquired").Inc()
	tornTokensAvailable.Set(float64(l.maxTokens - len(l.window)))
	return true
}

// RecordOutcome records the result of a request admitted by TryAcquire.
// A failure enters the penalty state: the cooldown lasts retryAfter when the
// upstream supplied one, otherwise DefaultPenalty (one full window). Values
// are clamped to [MinPenalty, MaxPenalty].
func (l *Limiter) RecordOutcome(success bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		l.stats.SuccessfulRequests++
		return
	}

	l.stats.FailedRequests++

	penalty := clampPenalty(retryAfter)
	until := l.now().Add(penalty)
	if until.After(l.penaltyUntil) {
		l.penaltyUntil = until
	}

	tornPenaltiesTotal.Inc()
	tornTokensAvailable.Set(0)
	l.logger.Warn().
		Dur("penalty", penalty).
		Time("until", l.penaltyUntil).
		Msg("Upstream throttled - entering penalty window")
}

// RecordFailure counts a non-throttling failure without entering a penalty.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.FailedRequests++
}

// SetLimit reconfigures the token ceiling, clamped to 1-99. An active
// penalty is not shortened.
func (l *Limiter) SetLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maxTokens = clampLimit(n)
	l.logger.Info().Int("max_tokens", l.maxTokens).Msg("Rate limit reconfigured")
}

// PenaltyRemaining returns the time left in the active penalty window,
// or 0 when the limiter is open.
func (l *Limiter) PenaltyRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penaltyRemainingLocked(l.now())
}

// Status returns a snapshot of the limiter. Stale timestamps are pruned
// first so the snapshot is exact for the instant it was taken.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	st := Status{
		MaxTokens:        l.maxTokens,
		RecentRequests:   len(l.window),
		PenaltyRemaining: l.penaltyRemainingLocked(now),
		State:            StateOpen,
		Stats:            l.stats,
	}

	if st.PenaltyRemaining > 0 {
		st.State = StatePenalized
		st.AvailableTokens = 0
		return st
	}

	st.AvailableTokens = l.maxTokens - len(l.window)
	if st.AvailableTokens < 0 {
		st.AvailableTokens = 0
	}
	return st
}

// prune drops window timestamps older than the rolling window.
// Caller must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) penaltyRemainingLocked(now time.Time) time.Duration {
	remaining := l.penaltyUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func clampLimit(n int) int {
	if n < MinLimit {
		return MinLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func clampPenalty(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPenalty
	}
	if d < MinPenalty {
		return MinPenalty
	}
	if d > MaxPenalty {
		return MaxPenalty
	}
	return d
}
