// Package view renders HTML fragments as templ components.
package view

import (
	"fmt"

	"github.com/msomdec/course-progress/internal/service"
)

//go:generate templ generate

// OutlineID is the element id the outline fragment is patched into.
const OutlineID = "chapter-outline"

func countsLabel(p service.CourseProgress) string {
	return fmt.Sprintf("%d Chapters, %d Completed", p.TotalChapters, p.CompletedChapters)
}

func chapterElementID(st service.ChapterState) string {
	return fmt.Sprintf("chapter-%d", st.Chapter.ID)
}

func chapterClass(cv service.CourseView, st service.ChapterState) string {
	class := "chapter chapter-" + st.Status
	if st.Chapter.ID == cv.ActiveChapterID {
		class += " active"
	}
	return class
}

// chapterAction is the datastar expression posting action for the chapter.
func chapterAction(courseID, chapterID int64, action string) string {
	return fmt.Sprintf("@post('/courses/%d/chapters/%d/%s')", courseID, chapterID, action)
}

func activeCompleted(cv service.CourseView) bool {
	for _, st := range cv.Chapters {
		if st.Chapter.ID == cv.ActiveChapterID {
			return st.Completed
		}
	}
	return false
}

func statusLabel(status string) string {
	switch status {
	case service.ChapterStatusCompleted:
		return "Completed"
	case service.ChapterStatusLocked:
		return "Locked"
	default:
		return "Available"
	}
}
