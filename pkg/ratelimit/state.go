// Package ratelimit implements admission control for the Torn API request
// budget. It tracks request timestamps over a rolling 60-second window and
// enforces a penalty cooldown whenever the upstream signals throttling.
package ratelimit

import (
	"encoding/json"
	"time"
)

// Window is the rolling window the upstream applies its request budget to.
const Window = 60 * time.Second

// Limits for the configurable token ceiling. The upstream hard cap is 100
// requests per rolling window; the limiter always stays below that.
const (
	MinLimit = 1
	MaxLimit = 99
)

// Penalty bounds. A Retry-After outside this range is clamped so a garbage
// header can never stall the engine indefinitely.
const (
	DefaultPenalty = 60 * time.Second
	MinPenalty     = 1 * time.Second
	MaxPenalty     = 5 * time.Minute
)

// State describes the limiter's admission state.
type State string

const (
	// StateOpen admits requests while window capacity remains.
	StateOpen State = "open"

	// StatePenalized rejects all requests until the penalty deadline passes.
	StatePenalized State = "penalized"
)

// Stats holds monotonically increasing outcome counters.
type Stats struct {
	SuccessfulRequests uint64 `json:"successful_requests"`
	FailedRequests     uint64 `json:"failed_requests"`
}

// Status is a point-in-time snapshot of the limiter.
type Status struct {
	// MaxTokens is the configured ceiling (1-99).
	MaxTokens int `json:"max_tokens"`

	// AvailableTokens is the number of requests currently admissible.
	// Forced to 0 while penalized.
	AvailableTokens int `json:"available_tokens"`

	// RecentRequests counts requests attributed to the current window.
	RecentRequests int `json:"recent_requests"`

	// PenaltyRemaining is the time left in an enforced cooldown.
	PenaltyRemaining time.Duration `json:"penalty_remaining_ms"`

	// State is the admission state the snapshot was taken in.
	State State `json:"state"`

	// Stats are the lifetime outcome counters.
	Stats Stats `json:"stats"`
}

// MarshalJSON emits PenaltyRemaining in milliseconds; a raw time.Duration
// would serialize as nanoseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		alias
		PenaltyRemaining int64 `json:"penalty_remaining_ms"`
	}{
		alias:            alias(s),
		PenaltyRemaining: s.PenaltyRemaining.Milliseconds(),
	})
}

// Penalized reports whether the snapshot was taken during a cooldown.
func (s Status) Penalized() bool {
	return s.State == StatePenalized
}
