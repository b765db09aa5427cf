package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/msomdec/course-progress/internal/domain"
	"github.com/msomdec/course-progress/internal/service"
	"github.com/msomdec/course-progress/internal/view"
	"github.com/starfederation/datastar-go/datastar"
)

// CourseHandler serves a viewer's progression through one course.
type CourseHandler struct {
	progression *service.ProgressionService
}

// NewCourseHandler creates a new CourseHandler.
func NewCourseHandler(progression *service.ProgressionService) *CourseHandler {
	return &CourseHandler{progression: progression}
}

// HandleGet opens (or reuses) the viewer's session and returns its state.
// GET /courses/{id}
func (h *CourseHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCourseViewDTO(ctrl.Snapshot()))
}

// HandleOutline streams the outline fragment as a datastar patch.
// GET /courses/{id}/outline
func (h *CourseHandler) HandleOutline(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	patchOutline(w, r, ctrl.Snapshot())
}

// HandleSelect makes a chapter active.
// POST /courses/{id}/chapters/{chapterID}/select
func (h *CourseHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctrl *service.ProgressionController, chapterID int64) (bool, error) {
		return ctrl.SelectChapter(chapterID), nil
	})
}

// HandleComplete marks a chapter complete. A locked or already completed
// chapter answers 200 with changed=false.
// POST /courses/{id}/chapters/{chapterID}/complete
func (h *CourseHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctrl *service.ProgressionController, chapterID int64) (bool, error) {
		return ctrl.MarkComplete(r.Context(), chapterID)
	})
}

// HandleNext advances from the given chapter.
// POST /courses/{id}/chapters/{chapterID}/next
func (h *CourseHandler) HandleNext(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctrl *service.ProgressionController, chapterID int64) (bool, error) {
		return ctrl.Next(chapterID), nil
	})
}

// HandlePrevious steps back from the given chapter.
// POST /courses/{id}/chapters/{chapterID}/previous
func (h *CourseHandler) HandlePrevious(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctrl *service.ProgressionController, chapterID int64) (bool, error) {
		return ctrl.Previous(chapterID), nil
	})
}

// HandleReload re-reads enrollment, chapters and the server's completion
// list into the session, e.g. after the viewer enrolled or studied on
// another device.
// POST /courses/{id}/reload
func (h *CourseHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	viewer, courseID, ok := viewerAndCourse(w, r)
	if !ok {
		return
	}
	ctrl, err := h.progression.Open(r.Context(), viewer, courseID)
	if err != nil {
		handleSessionError(w, err, courseID)
		return
	}
	before := ctrl.Snapshot()

	ctrl, err = h.progression.Refresh(r.Context(), viewer, courseID)
	if err != nil {
		handleSessionError(w, err, courseID)
		return
	}
	after := ctrl.Snapshot()
	changed := after.Role != before.Role ||
		after.Progress.CompletedChapters != before.Progress.CompletedChapters ||
		len(after.Chapters) != len(before.Chapters)
	respondMutation(w, r, changed, after)
}

// HandleCloseSession discards the in-memory session.
// DELETE /courses/{id}/session
func (h *CourseHandler) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	viewer, courseID, ok := viewerAndCourse(w, r)
	if !ok {
		return
	}
	h.progression.Close(viewer, courseID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearCache discards the session and the durable cache entry.
// DELETE /courses/{id}/cache
func (h *CourseHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	viewer, courseID, ok := viewerAndCourse(w, r)
	if !ok {
		return
	}
	if err := h.progression.ClearCache(r.Context(), viewer, courseID); err != nil {
		slog.Error("clear completion cache", "course_id", courseID, "error", err)
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutate runs fn against the viewer's session. An error from fn answers 500;
// the session keeps whatever fn already applied in memory.
func (h *CourseHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(*service.ProgressionController, int64) (bool, error)) {
	chapterID, err := strconv.ParseInt(r.PathValue("chapterID"), 10, 64)
	if err != nil || chapterID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid chapter id.")
		return
	}
	ctrl, ok := h.open(w, r)
	if !ok {
		return
	}
	changed, err := fn(ctrl, chapterID)
	if err != nil {
		slog.Error("update course progression", "chapter_id", chapterID, "error", err)
		writeError(w, http.StatusInternalServerError, "Your progress could not be saved. Please try again.")
		return
	}
	respondMutation(w, r, changed, ctrl.Snapshot())
}

func (h *CourseHandler) open(w http.ResponseWriter, r *http.Request) (*service.ProgressionController, bool) {
	viewer, courseID, ok := viewerAndCourse(w, r)
	if !ok {
		return nil, false
	}
	ctrl, err := h.progression.Open(r.Context(), viewer, courseID)
	if err != nil {
		handleSessionError(w, err, courseID)
		return nil, false
	}
	return ctrl, true
}

func viewerAndCourse(w http.ResponseWriter, r *http.Request) (domain.Viewer, int64, bool) {
	viewer, ok := ViewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return domain.Viewer{}, 0, false
	}
	courseID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || courseID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid course id.")
		return domain.Viewer{}, 0, false
	}
	return viewer, courseID, true
}

func handleSessionError(w http.ResponseWriter, err error, courseID int64) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusNotFound, "Course not found.")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSyncFailed):
		slog.Warn("open course session", "course_id", courseID, "error", err)
		writeError(w, http.StatusBadGateway, "The course service is unavailable. Please try again.")
	default:
		slog.Error("open course session", "course_id", courseID, "error", err)
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred.")
	}
}

func isDatastarRequest(r *http.Request) bool {
	return r.Header.Get("Datastar-Request") == "true"
}

func respondMutation(w http.ResponseWriter, r *http.Request, changed bool, cv service.CourseView) {
	if isDatastarRequest(r) {
		patchOutline(w, r, cv)
		return
	}
	writeJSON(w, http.StatusOK, MutationDTO{Changed: changed, Course: toCourseViewDTO(cv)})
}

// patchOutline sends an SSE patch replacing the outline fragment.
func patchOutline(w http.ResponseWriter, r *http.Request, cv service.CourseView) {
	sse := datastar.NewSSE(w, r)
	if err := sse.PatchElementTempl(
		view.ChapterOutline(cv),
		datastar.WithSelectorID(view.OutlineID),
	); err != nil {
		slog.Error("patch chapter outline", "course_id", cv.Course.ID, "error", err)
	}
}
