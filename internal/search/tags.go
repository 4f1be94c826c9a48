package search

import "github.com/fortemi/fortemi/pkg/storage"

// matchesTagFilters applies strict tag semantics (spec.md §4.6 step 6):
// every required tag must be present, at least one "any" tag must be
// present (when the list is non-empty), and no excluded tag may be
// present.
func matchesTagFilters(tags []storage.NoteTag, q Query) bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t.Tag] = true
	}

	for _, t := range q.RequiredTags {
		if !set[t] {
			return false
		}
	}
	if len(q.AnyTags) > 0 {
		any := false
		for _, t := range q.AnyTags {
			if set[t] {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, t := range q.ExcludedTags {
		if set[t] {
			return false
		}
	}
	return true
}
