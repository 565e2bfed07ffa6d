package refresh

import (
	"sort"

	"github.com/tornwatch/tornwatch/pkg/target"
)

// Priority tiers for dispatch ordering. Lower starts earlier.
const (
	tierMonitored = 0
	tierWaiting   = 1
	tierDefault   = 2
)

// waitingStates are availability states with an expiry: a target in one of
// these may have just become attackable, so freshness matters most there.
var waitingStates = map[string]bool{
	target.StateHospital:  true,
	target.StateJail:      true,
	target.StateTraveling: true,
	target.StateAbroad:    true,
}

// prioritize orders ids for dispatch: monitored targets first, then
// targets in a waiting state, then the rest. The sort is stable, so ties
// keep the caller's original order.
func prioritize(ids []int, lookup func(int) (target.Record, bool)) []int {
	out := append([]int(nil), ids...)

	tiers := make(map[int]int, len(out))
	for _, id := range out {
		tiers[id] = tierFor(id, lookup)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return tiers[out[i]] < tiers[out[j]]
	})

	return out
}

func tierFor(id int, lookup func(int) (target.Record, bool)) int {
	rec, ok := lookup(id)
	if !ok {
		return tierDefault
	}

	if rec.User.MonitorOK {
		return tierMonitored
	}
	if rec.Profile != nil && waitingStates[rec.Profile.Status.State] {
		return tierWaiting
	}
	return tierDefault
}
