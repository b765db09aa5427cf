package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msomdec/course-progress/internal/domain"
	"github.com/msomdec/course-progress/internal/handler"
	"github.com/msomdec/course-progress/internal/lmsapi"
	"github.com/msomdec/course-progress/internal/repository/sqlite"
	"github.com/msomdec/course-progress/internal/service"
)

// fakeLMS serves the subset of the LMS API the gateway client uses. Course 1
// has three chapters and omits the sequential flag; course 2 always fails.
type fakeLMS struct {
	mu        sync.Mutex
	completed map[int64][]int64 // student id -> chapter ids
	enrolled  map[int64]bool
}

func (f *fakeLMS) completedFor(studentID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.completed[studentID])
}

func (f *fakeLMS) markRemote(studentID, chapterID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.completed[studentID], chapterID) {
		f.completed[studentID] = append(f.completed[studentID], chapterID)
	}
}

func writeLMSJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeLMS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/course/1/", func(w http.ResponseWriter, r *http.Request) {
		writeLMSJSON(w, http.StatusOK, map[string]any{"id": 1, "title": "Intro to Go"})
	})
	mux.HandleFunc("GET /api/course/2/", func(w http.ResponseWriter, r *http.Request) {
		writeLMSJSON(w, http.StatusInternalServerError, map[string]any{"error": "boom"})
	})
	mux.HandleFunc("GET /api/course-chapters/{id}/", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "1":
		case "2":
			writeLMSJSON(w, http.StatusInternalServerError, map[string]any{"error": "boom"})
			return
		default:
			http.NotFound(w, r)
			return
		}
		writeLMSJSON(w, http.StatusOK, map[string]any{
			"course_title": "Intro to Go",
			"chapters": []map[string]any{
				{"id": 10, "course": 1, "title": "Welcome", "text_content": "hello"},
				{"id": 11, "course": 1, "title": "Types", "text_content": "types"},
				{"id": 12, "course": 1, "title": "Concurrency", "text_content": "goroutines"},
			},
		})
	})
	mux.HandleFunc("GET /api/check-enrollment/{sid}/{cid}/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		enrolled := f.enrolled[parseID(r.PathValue("sid"))]
		f.mu.Unlock()
		writeLMSJSON(w, http.StatusOK, map[string]any{"is_enrolled": enrolled})
	})
	mux.HandleFunc("GET /api/get-completed-chapters/{sid}/{cid}/", func(w http.ResponseWriter, r *http.Request) {
		ids := f.completedFor(parseID(r.PathValue("sid")))
		if ids == nil {
			ids = []int64{}
		}
		writeLMSJSON(w, http.StatusOK, map[string]any{"status": "success", "completed_chapters": ids})
	})
	mux.HandleFunc("POST /api/mark-chapter-complete/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StudentID int64 `json:"student_id"`
			ChapterID int64 `json:"chapter_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeLMSJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": err.Error()})
			return
		}
		f.markRemote(req.StudentID, req.ChapterID)
		writeLMSJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Chapter marked as complete"})
	})
	return mux
}

func parseID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

type testEnv struct {
	srv  *httptest.Server
	lms  *fakeLMS
	auth *service.AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	lms := &fakeLMS{
		completed: map[int64][]int64{},
		enrolled:  map[int64]bool{5: true},
	}
	lmsSrv := httptest.NewServer(lms.handler())
	t.Cleanup(lmsSrv.Close)

	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New DB: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := newTestAuthService(t)
	gateway := lmsapi.New(lmsSrv.URL+"/api", 2*time.Second)
	progression := service.NewProgressionService(gateway, db.Completions(), logger)
	t.Cleanup(progression.Shutdown)
	limiter := service.NewTokenBucket(100, 100)
	t.Cleanup(limiter.Stop)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, auth, progression, limiter, false)
	srv := httptest.NewServer(handler.SecurityHeaders(handler.RequestLogger(logger, mux)))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, lms: lms, auth: auth}
}

func (e *testEnv) do(t *testing.T, method, path, token string, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func (e *testEnv) course(t *testing.T, token string) handler.CourseViewDTO {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/courses/1", token, nil)
	if status != http.StatusOK {
		t.Fatalf("GET /courses/1: expected 200, got %d: %s", status, body)
	}
	var cv handler.CourseViewDTO
	if err := json.Unmarshal(body, &cv); err != nil {
		t.Fatalf("decode course: %v", err)
	}
	return cv
}

func (e *testEnv) mutate(t *testing.T, method, path, token string) handler.MutationDTO {
	t.Helper()
	status, body := e.do(t, method, path, token, nil)
	if status != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d: %s", method, path, status, body)
	}
	var m handler.MutationDTO
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode mutation: %v", err)
	}
	return m
}

func statuses(cv handler.CourseViewDTO) []string {
	out := make([]string, len(cv.Chapters))
	for i, ch := range cv.Chapters {
		out[i] = ch.Status
	}
	return out
}

func waitForRemote(t *testing.T, lms *fakeLMS, studentID int64, want []int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := lms.completedFor(studentID)
		slices.Sort(got)
		if slices.Equal(got, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected remote completion %v, got %v", want, lms.completedFor(studentID))
}

func TestIntegration_SequentialProgression(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	cv := env.course(t, token)
	if !cv.RequireSequentialProgress {
		t.Fatal("expected a missing flag to mean sequential")
	}
	if got := statuses(cv); !slices.Equal(got, []string{"available", "locked", "locked"}) {
		t.Fatalf("unexpected initial statuses %v", got)
	}
	if cv.Chapters[1].TextContent != "" {
		t.Fatal("expected locked chapter content to be withheld")
	}

	// A locked chapter cannot be completed.
	m := env.mutate(t, http.MethodPost, "/courses/1/chapters/11/complete", token)
	if m.Changed {
		t.Fatal("expected completing a locked chapter to change nothing")
	}

	m = env.mutate(t, http.MethodPost, "/courses/1/chapters/10/complete", token)
	if !m.Changed {
		t.Fatal("expected first chapter to be marked complete")
	}
	if got := statuses(m.Course); !slices.Equal(got, []string{"completed", "available", "locked"}) {
		t.Fatalf("unexpected statuses after completing c0: %v", got)
	}
	if m.Course.ActiveChapterID == nil || *m.Course.ActiveChapterID != 10 {
		t.Fatal("expected the completed chapter to become active")
	}
	if !m.Course.CanAdvance || m.Course.CanRetreat {
		t.Fatalf("expected next enabled and previous disabled, got %+v", m.Course)
	}
	if m.Course.Progress.Percentage != 33 {
		t.Fatalf("expected 33%%, got %d%%", m.Course.Progress.Percentage)
	}
	waitForRemote(t, env.lms, 5, []int64{10})

	// Marking again is a no-op.
	if m := env.mutate(t, http.MethodPost, "/courses/1/chapters/10/complete", token); m.Changed {
		t.Fatal("expected repeated completion to change nothing")
	}

	m = env.mutate(t, http.MethodPost, "/courses/1/chapters/10/next", token)
	if !m.Changed || *m.Course.ActiveChapterID != 11 {
		t.Fatalf("expected next to open chapter 11, got %+v", m)
	}
	if m.Course.CanAdvance {
		t.Fatal("expected next to be disabled on an incomplete chapter")
	}
	m = env.mutate(t, http.MethodPost, "/courses/1/chapters/11/previous", token)
	if !m.Changed || *m.Course.ActiveChapterID != 10 {
		t.Fatalf("expected previous to reopen chapter 10, got %+v", m)
	}
}

func TestIntegration_CrossDeviceReload(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	env.course(t, token)
	env.lms.markRemote(5, 10)
	env.lms.markRemote(5, 11)

	m := env.mutate(t, http.MethodPost, "/courses/1/reload", token)
	if !m.Changed {
		t.Fatal("expected reload to pick up remote completions")
	}
	if got := statuses(m.Course); !slices.Equal(got, []string{"completed", "completed", "available"}) {
		t.Fatalf("unexpected statuses after reload: %v", got)
	}

	if m := env.mutate(t, http.MethodPost, "/courses/1/reload", token); m.Changed {
		t.Fatal("expected a second reload to change nothing")
	}
}

func TestIntegration_CacheSurvivesSessionClose(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	env.mutate(t, http.MethodPost, "/courses/1/chapters/10/complete", token)
	waitForRemote(t, env.lms, 5, []int64{10})

	if status, _ := env.do(t, http.MethodDelete, "/courses/1/session", token, nil); status != http.StatusNoContent {
		t.Fatalf("close session: expected 204, got %d", status)
	}
	cv := env.course(t, token)
	if cv.Progress.CompletedChapters != 1 {
		t.Fatalf("expected completion to survive a new session, got %d", cv.Progress.CompletedChapters)
	}

	if status, _ := env.do(t, http.MethodDelete, "/courses/1/cache", token, nil); status != http.StatusNoContent {
		t.Fatalf("clear cache: expected 204, got %d", status)
	}
	// The server still has the record, so reopening restores it.
	cv = env.course(t, token)
	if cv.Progress.CompletedChapters != 1 {
		t.Fatalf("expected server completion after clearing the cache, got %d", cv.Progress.CompletedChapters)
	}
}

func TestIntegration_UnenrolledVisitor(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 6})

	cv := env.course(t, token)
	if cv.Enrolled || cv.Role != string(domain.RoleUnenrolledVisitor) {
		t.Fatalf("expected unenrolled visitor, got %q enrolled=%v", cv.Role, cv.Enrolled)
	}

	m := env.mutate(t, http.MethodPost, "/courses/1/chapters/10/complete", token)
	if !m.Changed {
		t.Fatal("expected the preview chapter to be completable")
	}
	if got := statuses(m.Course); !slices.Equal(got, []string{"completed", "locked", "locked"}) {
		t.Fatalf("expected later chapters to stay locked, got %v", got)
	}
	if m.Course.CanAdvance {
		t.Fatal("expected next disabled for an unenrolled visitor")
	}
	if m := env.mutate(t, http.MethodPost, "/courses/1/chapters/11/select", token); m.Changed {
		t.Fatal("expected selecting a locked chapter to change nothing")
	}
}

func TestIntegration_TeacherSeesEverything(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5, Teacher: true})

	cv := env.course(t, token)
	if cv.Role != string(domain.RoleTeacher) {
		t.Fatalf("expected teacher role, got %q", cv.Role)
	}
	for _, ch := range cv.Chapters {
		if !ch.Accessible {
			t.Fatalf("expected chapter %d to be accessible for a teacher", ch.ID)
		}
	}

	m := env.mutate(t, http.MethodPost, "/courses/1/chapters/12/complete", token)
	if !m.Changed {
		t.Fatal("expected teacher to mark any chapter")
	}
	// Teacher marks never reach the student's record, even with the same id.
	time.Sleep(50 * time.Millisecond)
	if got := env.lms.completedFor(5); len(got) != 0 {
		t.Fatalf("expected no push for a teacher, got %v", got)
	}
}

func TestIntegration_DatastarOutline(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	header := http.Header{}
	header.Set("Datastar-Request", "true")
	status, body := env.do(t, http.MethodPost, "/courses/1/chapters/10/complete", token, header)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	html := string(body)
	if !strings.Contains(html, "datastar-patch-elements") || !strings.Contains(html, "chapter-outline") {
		t.Fatalf("expected an outline patch event, got %s", html)
	}
	if !strings.Contains(html, "1 Completed") {
		t.Fatalf("expected updated counts in the patch, got %s", html)
	}

	status, body = env.do(t, http.MethodGet, "/courses/1/outline", token, nil)
	if status != http.StatusOK || !strings.Contains(string(body), "chapter-outline") {
		t.Fatalf("expected outline stream, got %d: %s", status, body)
	}
}

func TestIntegration_Errors(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	tests := []struct {
		name, method, path, token string
		want                      int
	}{
		{"no token", http.MethodGet, "/courses/1", "", http.StatusUnauthorized},
		{"unknown course", http.MethodGet, "/courses/99", token, http.StatusNotFound},
		{"lms failure", http.MethodGet, "/courses/2", token, http.StatusBadGateway},
		{"bad course id", http.MethodGet, "/courses/abc", token, http.StatusBadRequest},
		{"bad chapter id", http.MethodPost, "/courses/1/chapters/x/complete", token, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, tt.method, tt.path, tt.token, nil)
			if status != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, status, body)
			}
		})
	}
}

func TestIntegration_SessionCookie(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 5})

	resp, err := http.Post(env.srv.URL+"/api/session", "application/json", strings.NewReader(`{"token":"`+token+`"}`))
	if err != nil {
		t.Fatalf("POST /api/session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "auth_token" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != token || !cookie.HttpOnly {
		t.Fatal("expected an HttpOnly auth_token cookie")
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/me", nil)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/me: %v", err)
	}
	var me struct {
		Viewer handler.ViewerDTO `json:"viewer"`
	}
	json.NewDecoder(resp.Body).Decode(&me)
	resp.Body.Close()
	if me.Viewer.ID != 5 || me.Viewer.Kind != "student" {
		t.Fatalf("unexpected viewer %+v", me.Viewer)
	}

	resp, err = http.Post(env.srv.URL+"/api/session", "application/json", strings.NewReader(`{"token":"garbage"}`))
	if err != nil {
		t.Fatalf("POST /api/session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", resp.StatusCode)
	}
}

func TestIntegration_EnrollThenReload(t *testing.T) {
	env := newTestEnv(t)
	token := issueToken(t, env.auth, domain.Viewer{ID: 6})

	env.mutate(t, http.MethodPost, "/courses/1/chapters/10/complete", token)
	if cv := env.course(t, token); cv.Chapters[1].Accessible {
		t.Fatal("expected chapter 11 locked before enrolling")
	}

	env.lms.mu.Lock()
	env.lms.enrolled[6] = true
	env.lms.mu.Unlock()

	m := env.mutate(t, http.MethodPost, "/courses/1/reload", token)
	if !m.Changed {
		t.Fatal("expected reload to report the enrollment change")
	}
	if m.Course.Role != string(domain.RoleEnrolledStudent) || !m.Course.Chapters[1].Accessible {
		t.Fatalf("expected chapter 11 unlocked after enrolling, got %+v", m.Course)
	}
}
