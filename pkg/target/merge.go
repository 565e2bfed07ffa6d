package target

import (
	"time"
)

// Merge produces the record that becomes the new source of truth after a
// fetch attempt. It is total over its inputs: existing and cached may both
// be nil, and the result is always a usable record keyed by the fetched id.
//
// Precedence per field group:
//   - upstream-owned: fetched (when the fetch succeeded), else existing,
//     else cached, else empty placeholder
//   - user-owned: always existing, else cached; never fetched
//   - timestamps: most recent non-zero value among the sources
//
// A failed fetch never regresses previously known upstream data: the result
// is the existing (or cached) record with the error tag attached and
// upstream fields otherwise untouched.
func Merge(fetched FetchResult, existing, cached *Record) Record {
	if fetched.Failed() {
		return mergeFailed(fetched, existing, cached)
	}

	out := Record{
		ID:        fetched.ID,
		FetchedAt: latest(fetched.FetchedAt, fetchedAt(existing), fetchedAt(cached)),
	}

	p := *fetched.Profile
	out.Profile = &p

	switch {
	case existing != nil:
		out.User = cloneUser(existing.User)
	case cached != nil:
		out.User = cloneUser(cached.User)
	}

	return out
}

// mergeFailed is the regression-prevention path: keep the best previously
// known record and attach the error tag.
func mergeFailed(fetched FetchResult, existing, cached *Record) Record {
	var out Record
	switch {
	case existing != nil:
		out = existing.Clone()
	case cached != nil:
		out = cached.Clone()
	default:
		out = NewPlaceholder(fetched.ID)
	}

	out.ID = fetched.ID
	out.Err = errTag(fetched)
	return out
}

func errTag(fetched FetchResult) *FetchError {
	if fetched.Err != nil {
		e := *fetched.Err
		return &e
	}
	// A success result with no profile is malformed; tag it so downstream
	// consumers still have a single code path.
	return &FetchError{Class: "client", Message: "empty payload"}
}

func cloneUser(u UserFields) UserFields {
	if u.Tags != nil {
		u.Tags = append([]string(nil), u.Tags...)
	}
	return u
}

func fetchedAt(r *Record) time.Time {
	if r == nil {
		return time.Time{}
	}
	return r.FetchedAt
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
