package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/msomdec/course-progress/internal/domain"
	"github.com/msomdec/course-progress/internal/service"
)

const authCookieName = "auth_token"

// AuthHandler exchanges an LMS-issued viewer token for a session cookie so
// the browser outline can call the course routes without a header.
type AuthHandler struct {
	auth         *service.AuthService
	cookieSecure bool
	cookieMaxAge time.Duration
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService, cookieSecure bool) *AuthHandler {
	return &AuthHandler{auth: auth, cookieSecure: cookieSecure, cookieMaxAge: 24 * time.Hour}
}

// HandleLogin validates a viewer token and stores it in the auth cookie.
// POST /api/session
// Request:  {"token":"..."}
// Response: {"viewer": {...}}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	viewer, err := h.auth.ValidateToken(req.Token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token.")
			return
		}
		slog.Error("validate viewer token", "error", err)
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again.")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    req.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.cookieMaxAge.Seconds()),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"viewer": toViewerDTO(viewer),
	})
}

// HandleLogout clears the auth cookie.
// DELETE /api/session
// Response: 204 No Content
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the authenticated viewer.
// GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	viewer, ok := ViewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"viewer": toViewerDTO(viewer),
	})
}
