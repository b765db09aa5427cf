package service

import (
	"math"

	"github.com/msomdec/course-progress/internal/domain"
)

// AccessInput is everything the access policy looks at. Chapters must be in
// display order with unique ids.
type AccessInput struct {
	Chapters   []domain.Chapter
	Completed  domain.CompletionSet
	Role       domain.ViewerRole
	Enrolled   bool
	Sequential bool
}

// IsAccessible reports whether the chapter at index in.Chapters[index] may be
// opened. Rules are evaluated in order and the first match wins.
func IsAccessible(index int, in AccessInput) bool {
	if index < 0 || index >= len(in.Chapters) {
		return false
	}
	if in.Role == domain.RoleTeacher {
		return true
	}
	// The first chapter is a public preview.
	if index == 0 {
		return true
	}
	if !in.Enrolled {
		return false
	}
	if !in.Sequential {
		return true
	}
	// All previous chapters must be complete; a gap anywhere locks it.
	for i := 0; i < index; i++ {
		if !in.Completed.Has(in.Chapters[i].ID) {
			return false
		}
	}
	return true
}

const (
	ChapterStatusCompleted = "completed"
	ChapterStatusAvailable = "available"
	ChapterStatusLocked    = "locked"
)

// ChapterState is the evaluated state of one chapter for rendering.
type ChapterState struct {
	Chapter    domain.Chapter
	Index      int
	Accessible bool
	Completed  bool
	Status     string // "completed", "available", "locked"
}

// ChapterStates evaluates the policy for every chapter.
func ChapterStates(in AccessInput) []ChapterState {
	states := make([]ChapterState, len(in.Chapters))
	for i, ch := range in.Chapters {
		st := ChapterState{
			Chapter:    ch,
			Index:      i,
			Accessible: IsAccessible(i, in),
			Completed:  in.Completed.Has(ch.ID),
		}
		switch {
		case !st.Accessible:
			st.Status = ChapterStatusLocked
		case st.Completed:
			st.Status = ChapterStatusCompleted
		default:
			st.Status = ChapterStatusAvailable
		}
		states[i] = st
	}
	return states
}

// CourseProgress summarizes how far a viewer is through a course.
type CourseProgress struct {
	CompletedChapters   int
	TotalChapters       int
	Percentage          int // rounded to the nearest whole percent
	CertificateEligible bool
}

// ComputeCourseProgress counts completed chapters of the course. Ids in the
// completion set that are not chapters of the course are ignored.
func ComputeCourseProgress(in AccessInput) CourseProgress {
	p := CourseProgress{TotalChapters: len(in.Chapters)}
	for _, ch := range in.Chapters {
		if in.Completed.Has(ch.ID) {
			p.CompletedChapters++
		}
	}
	if p.TotalChapters > 0 {
		p.Percentage = int(math.Round(float64(p.CompletedChapters) / float64(p.TotalChapters) * 100))
	}
	p.CertificateEligible = in.Enrolled && p.TotalChapters > 0 && p.CompletedChapters == p.TotalChapters
	return p
}
