package handler

import (
	"net/http"

	"github.com/msomdec/course-progress/internal/service"
)

// RegisterRoutes sets up all HTTP routes on the given mux. Course routes
// require a viewer; mutating routes are rate limited per viewer.
func RegisterRoutes(mux *http.ServeMux, auth *service.AuthService, progression *service.ProgressionService, limiter *service.TokenBucket, cookieSecure bool) {
	mux.HandleFunc("GET /healthz", HandleHealthz)

	authHandler := NewAuthHandler(auth, cookieSecure)
	mux.HandleFunc("POST /api/session", authHandler.HandleLogin)
	mux.HandleFunc("DELETE /api/session", authHandler.HandleLogout)
	mux.Handle("GET /api/me", RequireAuth(auth, http.HandlerFunc(authHandler.HandleMe)))

	courses := NewCourseHandler(progression)
	read := func(h http.HandlerFunc) http.Handler {
		return RequireAuth(auth, h)
	}
	write := func(h http.HandlerFunc) http.Handler {
		return RequireAuth(auth, RateLimit(limiter, h))
	}

	mux.Handle("GET /courses/{id}", read(courses.HandleGet))
	mux.Handle("GET /courses/{id}/outline", read(courses.HandleOutline))
	mux.Handle("POST /courses/{id}/chapters/{chapterID}/select", write(courses.HandleSelect))
	mux.Handle("POST /courses/{id}/chapters/{chapterID}/complete", write(courses.HandleComplete))
	mux.Handle("POST /courses/{id}/chapters/{chapterID}/next", write(courses.HandleNext))
	mux.Handle("POST /courses/{id}/chapters/{chapterID}/previous", write(courses.HandlePrevious))
	mux.Handle("POST /courses/{id}/reload", write(courses.HandleReload))
	mux.Handle("DELETE /courses/{id}/session", write(courses.HandleCloseSession))
	mux.Handle("DELETE /courses/{id}/cache", write(courses.HandleClearCache))
}
