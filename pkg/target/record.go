// Package target defines the tracked-target record model and the merge
// rules that reconcile fetched data with cached and user-owned state.
package target

import (
	"fmt"
	"time"
)

// Status states the upstream reports for a player.
const (
	StateOkay      = "Okay"
	StateHospital  = "Hospital"
	StateJail      = "Jail"
	StateTraveling = "Traveling"
	StateAbroad    = "Abroad"
	StateFederal   = "Federal"
	StateFallen    = "Fallen"
)

// Status is the availability state of a target as reported by the upstream.
type Status struct {
	State       string    `json:"state"`
	Description string    `json:"description,omitempty"`
	// Until is when the state expires (hospital release, flight landing).
	// Zero when the state has no expiry.
	Until time.Time `json:"until,omitempty"`
}

// Faction is the target's faction membership.
type Faction struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Profile holds the upstream-owned fields of a target. A nil *Profile means
// "never fetched"; within a populated profile every field is authoritative,
// including zero values, so presence is carried by the pointer rather than
// by zero-as-absent heuristics.
type Profile struct {
	Name       string    `json:"name"`
	Level      int       `json:"level"`
	Status     Status    `json:"status"`
	Faction    Faction   `json:"faction"`
	LastAction time.Time `json:"last_action"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
}

// UserFields holds the user-owned fields of a target. The upstream API has
// no concept of these; a fetch never contributes to them.
type UserFields struct {
	CustomName   string   `json:"custom_name,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	GroupID      string   `json:"group_id,omitempty"`
	Favorite     bool     `json:"favorite"`
	MonitorOK    bool     `json:"monitor_ok"`
	AttackWins   int      `json:"attack_wins"`
	AttackLosses int      `json:"attack_losses"`
}

// FetchError is the error descriptor attached to a record when a fetch
// fails. Class mirrors the client's error classification.
type FetchError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// FetchResult is the outcome of one fetch attempt for one target id.
// Exactly one of Profile or Err is set.
type FetchResult struct {
	ID        int         `json:"id"`
	Profile   *Profile    `json:"profile,omitempty"`
	FetchedAt time.Time   `json:"fetched_at,omitempty"`
	Err       *FetchError `json:"error,omitempty"`
}

// Failed reports whether the fetch produced no trustworthy profile.
func (r FetchResult) Failed() bool {
	return r.Err != nil || r.Profile == nil
}

// Record is the merged representation of one tracked target.
type Record struct {
	ID        int         `json:"id"`
	Profile   *Profile    `json:"profile,omitempty"`
	User      UserFields  `json:"user"`
	FetchedAt time.Time   `json:"fetched_at,omitempty"`
	Err       *FetchError `json:"error,omitempty"`
}

// NewPlaceholder creates the record a target starts life as when added to
// the watchlist, before any fetch has run.
func NewPlaceholder(id int) Record {
	return Record{ID: id}
}

// DisplayName resolves the name shown for the record: the user's custom
// name, then the upstream name, then a numbered placeholder.
func (r Record) DisplayName() string {
	if r.User.CustomName != "" {
		return r.User.CustomName
	}
	if r.Profile != nil && r.Profile.Name != "" {
		return r.Profile.Name
	}
	return fmt.Sprintf("User %d", r.ID)
}

// Cacheable reports whether the record may be written to the durable
// side-cache: error-free with a resolvable upstream name, so placeholder
// and error-tagged records never overwrite known-good cache entries.
func (r Record) Cacheable() bool {
	return r.Err == nil && r.Profile != nil && r.Profile.Name != ""
}

// Clone returns a deep copy. Records are handed across goroutine
// boundaries, so shared backing arrays are not acceptable.
func (r Record) Clone() Record {
	out := r
	if r.Profile != nil {
		p := *r.Profile
		out.Profile = &p
	}
	if r.Err != nil {
		e := *r.Err
		out.Err = &e
	}
	if r.User.Tags != nil {
		out.User.Tags = append([]string(nil), r.User.Tags...)
	}
	return out
}
