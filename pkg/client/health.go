package client

import (
	"encoding/json"
	"sync"
	"time"
)

// offlineThreshold is the number of consecutive network-class failures
// after which the client is considered offline.
const offlineThreshold = 3

// Health is a snapshot of the client's connection health.
type Health struct {
	// Online reports whether the upstream is considered reachable.
	Online bool `json:"online"`

	// LastSuccess is when the last successful request completed.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastRequestDuration is the duration of the most recent request.
	LastRequestDuration time.Duration `json:"last_request_duration_ms"`

	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// MarshalJSON emits LastRequestDuration in milliseconds; a raw
// time.Duration would serialize as nanoseconds.
func (h Health) MarshalJSON() ([]byte, error) {
	type alias Health
	return json.Marshal(struct {
		alias
		LastRequestDuration int64 `json:"last_request_duration_ms"`
	}{
		alias:               alias(h),
		LastRequestDuration: h.LastRequestDuration.Milliseconds(),
	})
}

// HealthObserver receives connection-state transitions. Observers are
// invoked only when the online/offline boundary is crossed, never per
// request.
type HealthObserver interface {
	ConnectionChanged(online bool)
}

// HealthObserverFunc adapts a function to the HealthObserver interface.
type HealthObserverFunc func(online bool)

// ConnectionChanged implements HealthObserver.
func (f HealthObserverFunc) ConnectionChanged(online bool) {
	f(online)
}

// healthTracker maintains connection-health observables and fans out
// boundary transitions to subscribed observers.
type healthTracker struct {
	mu        sync.Mutex
	health    Health
	observers []HealthObserver

	// networkStreak counts consecutive network-class failures only; it is
	// reset by any success and by failures of other classes, so server
	// errors mixed into the stream never push the client offline.
	networkStreak int
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		health: Health{Online: true},
	}
}

// Subscribe registers an observer for connection-state transitions.
func (t *healthTracker) Subscribe(o HealthObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Snapshot returns the current health observables.
func (t *healthTracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

func (t *healthTracker) recordSuccess(duration time.Duration) {
	t.mu.Lock()
	t.health.LastSuccess = time.Now()
	t.health.LastRequestDuration = duration
	t.health.ConsecutiveFailures = 0
	t.networkStreak = 0

	observers, crossed := t.transitionLocked(true)
	t.mu.Unlock()

	if crossed {
		notify(observers, true)
	}
}

// recordFailure updates the failure observables. Only network-class
// failures count toward the offline boundary: a 5xx or terminal response
// still proves the transport is reachable.
func (t *healthTracker) recordFailure(class ErrorClass, duration time.Duration) {
	t.mu.Lock()
	t.health.LastRequestDuration = duration
	t.health.ConsecutiveFailures++

	if class == ErrorClassNetwork {
		t.networkStreak++
	} else {
		t.networkStreak = 0
	}

	var observers []HealthObserver
	crossed := false
	if t.networkStreak >= offlineThreshold {
		observers, crossed = t.transitionLocked(false)
	}
	t.mu.Unlock()

	if crossed {
		notify(observers, false)
	}
}

// transitionLocked flips the online flag and returns the observers to
// notify. Caller must hold t.mu.
func (t *healthTracker) transitionLocked(online bool) ([]HealthObserver, bool) {
	if t.health.Online == online {
		return nil, false
	}
	t.health.Online = online
	return append([]HealthObserver(nil), t.observers...), true
}

// notify runs outside the lock so observers may call back into the client.
func notify(observers []HealthObserver, online bool) {
	for _, o := range observers {
		o.ConnectionChanged(online)
	}
}
