package domain

import (
	"context"
	"slices"
)

// CompletionSet is the set of chapter ids a viewer has finished in one course.
// Entries are only ever added.
type CompletionSet map[int64]struct{}

// NewCompletionSet builds a set from the given ids.
func NewCompletionSet(ids ...int64) CompletionSet {
	s := make(CompletionSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s CompletionSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id and reports whether the set grew.
func (s CompletionSet) Add(id int64) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Union adds every id of other and returns how many were new.
func (s CompletionSet) Union(other CompletionSet) int {
	added := 0
	for id := range other {
		if s.Add(id) {
			added++
		}
	}
	return added
}

// Len returns the number of completed chapters.
func (s CompletionSet) Len() int {
	return len(s)
}

// IDs returns the ids in ascending order.
func (s CompletionSet) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns an independent copy.
func (s CompletionSet) Clone() CompletionSet {
	c := make(CompletionSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// CompletionCache is the durable local cache of completion sets, keyed per
// course per viewer. Load returns an empty set when nothing is stored.
type CompletionCache interface {
	Load(ctx context.Context, viewer Viewer, courseID int64) (CompletionSet, error)
	Save(ctx context.Context, viewer Viewer, courseID int64, set CompletionSet) error
	Clear(ctx context.Context, viewer Viewer, courseID int64) error
}
