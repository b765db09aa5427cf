package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/msomdec/course-progress/internal/domain"
	"golang.org/x/sync/errgroup"
)

// CourseSession is the state a progression controller is opened with.
type CourseSession struct {
	Viewer   domain.Viewer
	Course   domain.Course
	Chapters []domain.Chapter
	Enrolled bool
}

// ProgressionController owns the completion set and active chapter of one
// viewer in one course. It is safe for concurrent use; every mutation of the
// completion set is applied under the lock so a snapshot sees either the
// previous or the updated set.
type ProgressionController struct {
	viewer   domain.Viewer
	courseID int64

	cache   domain.CompletionCache
	gateway domain.SyncGateway
	log     *slog.Logger

	mu        sync.Mutex
	course    domain.Course
	chapters  []domain.Chapter
	positions map[int64]int
	enrolled  bool
	completed domain.CompletionSet
	active    int64 // 0 when no chapter is open

	pushes sync.WaitGroup
}

// NewProgressionController creates a controller with an empty completion set.
// Call LoadCompletion to seed it.
func NewProgressionController(session CourseSession, cache domain.CompletionCache, gateway domain.SyncGateway, logger *slog.Logger) *ProgressionController {
	if logger == nil {
		logger = slog.Default()
	}
	positions := make(map[int64]int, len(session.Chapters))
	for i, ch := range session.Chapters {
		positions[ch.ID] = i
	}
	return &ProgressionController{
		viewer:    session.Viewer,
		courseID:  session.Course.ID,
		course:    session.Course,
		chapters:  session.Chapters,
		positions: positions,
		enrolled:  session.Enrolled,
		cache:     cache,
		gateway:   gateway,
		log:       logger.With("course_id", session.Course.ID, "viewer", session.Viewer.Key()),
		completed: domain.NewCompletionSet(),
	}
}

// accessInput must be called with c.mu held.
func (c *ProgressionController) accessInput() AccessInput {
	return AccessInput{
		Chapters:   c.chapters,
		Completed:  c.completed,
		Role:       c.viewer.RoleFor(c.enrolled),
		Enrolled:   c.enrolled,
		Sequential: c.course.RequireSequentialProgress,
	}
}

// LoadCompletion seeds the completion set from the local cache, then unions
// in the server's list. Failures on either side are logged and the session
// continues with whatever state it has. Whenever the cache holds less than
// the resulting set, the whole set is written back.
func (c *ProgressionController) LoadCompletion(ctx context.Context) {
	c.mu.Lock()
	local, err := c.cache.Load(ctx, c.viewer, c.courseID)
	if err != nil {
		c.log.Warn("load completion cache, discarding entry", "error", err)
		if err := c.cache.Clear(ctx, c.viewer, c.courseID); err != nil {
			c.log.Error("clear completion cache", "error", err)
		}
		local = domain.NewCompletionSet()
	}
	c.completed.Union(local)
	cacheBehind := c.completed.Len() > local.Len()
	c.mu.Unlock()

	if !c.viewer.Teacher {
		remote, err := c.gateway.FetchCompletedChapters(ctx, c.viewer.ID, c.courseID)
		if err != nil {
			c.log.Warn("fetch completed chapters", "error", err)
		} else {
			c.mu.Lock()
			if c.completed.Union(domain.NewCompletionSet(remote...)) > 0 {
				cacheBehind = true
			}
			c.mu.Unlock()
		}
	}

	if !cacheBehind {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cache.Save(ctx, c.viewer, c.courseID, c.completed); err != nil {
		c.log.Error("save completion cache", "error", err)
	}
}

// apply replaces the course, chapters and enrollment with freshly fetched
// ones. The completion set is kept; an active chapter that no longer exists
// or is no longer accessible is closed.
func (c *ProgressionController) apply(session CourseSession) {
	positions := make(map[int64]int, len(session.Chapters))
	for i, ch := range session.Chapters {
		positions[ch.ID] = i
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enrolled != session.Enrolled {
		c.log.Info("enrollment changed", "enrolled", session.Enrolled)
	}
	c.course = session.Course
	c.chapters = session.Chapters
	c.positions = positions
	c.enrolled = session.Enrolled
	if pos, ok := positions[c.active]; !ok || !IsAccessible(pos, c.accessInput()) {
		c.active = 0
	}
}

// SelectChapter makes the chapter active. It reports false and changes
// nothing when the chapter is unknown or locked.
func (c *ProgressionController) SelectChapter(chapterID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[chapterID]
	if !ok || !IsAccessible(pos, c.accessInput()) {
		return false
	}
	c.active = chapterID
	return true
}

// MarkComplete records the chapter as finished. It is a no-op returning false
// when the chapter is already complete, unknown, or locked. Otherwise the
// chapter is added to the set, written through to the cache, and pushed to
// the gateway in the background; the push is never awaited and its failure
// is only logged. A cache write failure is returned but the in-memory
// completion stands.
func (c *ProgressionController) MarkComplete(ctx context.Context, chapterID int64) (bool, error) {
	c.mu.Lock()
	pos, ok := c.positions[chapterID]
	if !ok || c.completed.Has(chapterID) || !IsAccessible(pos, c.accessInput()) {
		c.mu.Unlock()
		return false, nil
	}
	c.completed.Add(chapterID)
	c.active = chapterID
	saveErr := c.cache.Save(ctx, c.viewer, c.courseID, c.completed)
	c.mu.Unlock()

	if !c.viewer.Teacher {
		c.push(context.WithoutCancel(ctx), chapterID)
	}

	if saveErr != nil {
		return true, fmt.Errorf("save completion cache: %w", saveErr)
	}
	return true, nil
}

func (c *ProgressionController) push(ctx context.Context, chapterID int64) {
	c.pushes.Go(func() {
		if err := c.gateway.PushChapterComplete(ctx, c.viewer.ID, chapterID, c.courseID); err != nil {
			c.log.Warn("push chapter completion", "chapter_id", chapterID, "error", err)
			return
		}
		c.log.Debug("chapter completion pushed", "chapter_id", chapterID)
	})
}

// CanAdvance reports whether "Next" is available from the given chapter: it
// must be complete and the following chapter must be accessible.
func (c *ProgressionController) CanAdvance(currentID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAdvance(currentID)
}

func (c *ProgressionController) canAdvance(currentID int64) bool {
	pos, ok := c.positions[currentID]
	if !ok || !c.completed.Has(currentID) || pos+1 >= len(c.chapters) {
		return false
	}
	return IsAccessible(pos+1, c.accessInput())
}

// CanRetreat reports whether a previous chapter exists. "Previous" is never
// gated.
func (c *ProgressionController) CanRetreat(currentID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRetreat(currentID)
}

// canRetreat must be called with c.mu held; apply replaces c.positions.
func (c *ProgressionController) canRetreat(currentID int64) bool {
	pos, ok := c.positions[currentID]
	return ok && pos > 0
}

// Next moves the active chapter forward when CanAdvance allows it.
func (c *ProgressionController) Next(currentID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canAdvance(currentID) {
		return false
	}
	c.active = c.chapters[c.positions[currentID]+1].ID
	return true
}

// Previous moves the active chapter back by one.
func (c *ProgressionController) Previous(currentID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canRetreat(currentID) {
		return false
	}
	c.active = c.chapters[c.positions[currentID]-1].ID
	return true
}

// ActiveChapter returns the chapter currently open, if any.
func (c *ProgressionController) ActiveChapter() (domain.Chapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return domain.Chapter{}, false
	}
	return c.chapters[c.positions[c.active]], true
}

// Completed returns a copy of the completion set.
func (c *ProgressionController) Completed() domain.CompletionSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed.Clone()
}

// IsAccessible evaluates the policy for one chapter against the current set.
func (c *ProgressionController) IsAccessible(chapterID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[chapterID]
	return ok && IsAccessible(pos, c.accessInput())
}

// CourseView is a consistent read of a progression session for rendering.
type CourseView struct {
	Course          domain.Course
	Role            domain.ViewerRole
	Enrolled        bool
	Chapters        []ChapterState
	Progress        CourseProgress
	ActiveChapterID int64
	CanAdvance      bool
	CanRetreat      bool
}

// Snapshot evaluates every chapter against one view of the completion set.
func (c *ProgressionController) Snapshot() CourseView {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.accessInput()
	in.Completed = c.completed.Clone()
	view := CourseView{
		Course:          c.course,
		Role:            in.Role,
		Enrolled:        c.enrolled,
		Chapters:        ChapterStates(in),
		Progress:        ComputeCourseProgress(in),
		ActiveChapterID: c.active,
	}
	if c.active != 0 {
		view.CanAdvance = c.canAdvance(c.active)
		view.CanRetreat = c.canRetreat(c.active)
	}
	return view
}

// Wait blocks until every background gateway push has finished.
func (c *ProgressionController) Wait() {
	c.pushes.Wait()
}

type sessionKey struct {
	viewer   string
	courseID int64
}

type sessionEntry struct {
	ctrl      *ProgressionController
	refreshed time.Time
	lastUsed  time.Time
}

const (
	defaultRefreshAfter = 30 * time.Second
	defaultIdleTimeout  = 30 * time.Minute
	sweepInterval       = 5 * time.Minute
)

// ProgressionService opens and tracks one ProgressionController per viewer
// and course. A reused session older than the refresh interval re-reads the
// course, chapters and enrollment; sessions idle longer than the idle timeout
// are dropped by a background sweep until Shutdown.
type ProgressionService struct {
	gateway domain.SyncGateway
	cache   domain.CompletionCache
	log     *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	sessions     map[sessionKey]*sessionEntry
	refreshAfter time.Duration
	idleTimeout  time.Duration
	closing      sync.WaitGroup

	stop chan struct{}
	once sync.Once
}

// NewProgressionService creates a new ProgressionService.
func NewProgressionService(gateway domain.SyncGateway, cache domain.CompletionCache, logger *slog.Logger) *ProgressionService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProgressionService{
		gateway:      gateway,
		cache:        cache,
		log:          logger,
		now:          time.Now,
		sessions:     make(map[sessionKey]*sessionEntry),
		refreshAfter: defaultRefreshAfter,
		idleTimeout:  defaultIdleTimeout,
		stop:         make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// SetSessionTimings overrides how long a session is reused before it is
// refreshed and how long it may sit idle before it is dropped. Non-positive
// values keep the current setting.
func (s *ProgressionService) SetSessionTimings(refreshAfter, idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if refreshAfter > 0 {
		s.refreshAfter = refreshAfter
	}
	if idleTimeout > 0 {
		s.idleTimeout = idleTimeout
	}
}

func keyFor(viewer domain.Viewer, courseID int64) sessionKey {
	return sessionKey{viewer: viewer.Key(), courseID: courseID}
}

// Open returns the viewer's session for the course, starting one if needed.
// Starting a session fetches the course, its chapters and the enrollment in
// parallel, then loads completion. A stale session is refreshed first.
func (s *ProgressionService) Open(ctx context.Context, viewer domain.Viewer, courseID int64) (*ProgressionController, error) {
	if courseID <= 0 {
		return nil, fmt.Errorf("%w: course id must be positive", domain.ErrInvalidInput)
	}

	key := keyFor(viewer, courseID)
	now := s.now()
	s.mu.Lock()
	if entry, ok := s.sessions[key]; ok {
		entry.lastUsed = now
		stale := now.Sub(entry.refreshed) >= s.refreshAfter
		s.mu.Unlock()
		if !stale {
			return entry.ctrl, nil
		}
		return s.refresh(ctx, key, entry.ctrl, viewer, courseID)
	}
	s.mu.Unlock()

	session, err := s.fetchSession(ctx, viewer, courseID)
	if err != nil {
		return nil, err
	}

	ctrl := NewProgressionController(session, s.cache, s.gateway, s.log)
	ctrl.LoadCompletion(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have opened the same session meanwhile.
	if existing, ok := s.sessions[key]; ok {
		existing.lastUsed = now
		return existing.ctrl, nil
	}
	s.sessions[key] = &sessionEntry{ctrl: ctrl, refreshed: now, lastUsed: now}
	s.log.Info("progression session opened",
		"course_id", courseID, "viewer", viewer.Key(),
		"chapters", len(session.Chapters), "completed", ctrl.Completed().Len())
	return ctrl, nil
}

// Refresh re-reads the course, chapters, enrollment and completion of the
// viewer's session, opening one if none exists.
func (s *ProgressionService) Refresh(ctx context.Context, viewer domain.Viewer, courseID int64) (*ProgressionController, error) {
	if courseID <= 0 {
		return nil, fmt.Errorf("%w: course id must be positive", domain.ErrInvalidInput)
	}

	key := keyFor(viewer, courseID)
	s.mu.Lock()
	entry, ok := s.sessions[key]
	if ok {
		entry.lastUsed = s.now()
	}
	s.mu.Unlock()

	if !ok {
		return s.Open(ctx, viewer, courseID)
	}
	return s.refresh(ctx, key, entry.ctrl, viewer, courseID)
}

// refresh keeps serving the previous state when the LMS is unreachable; a
// course that no longer exists ends the session.
func (s *ProgressionService) refresh(ctx context.Context, key sessionKey, ctrl *ProgressionController, viewer domain.Viewer, courseID int64) (*ProgressionController, error) {
	session, err := s.fetchSession(ctx, viewer, courseID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.Close(viewer, courseID)
		return nil, err
	case err != nil:
		s.log.Warn("refresh progression session, keeping previous state",
			"course_id", courseID, "viewer", viewer.Key(), "error", err)
	default:
		ctrl.apply(session)
		ctrl.LoadCompletion(ctx)
	}

	s.mu.Lock()
	if entry, ok := s.sessions[key]; ok && entry.ctrl == ctrl {
		entry.refreshed = s.now()
	}
	s.mu.Unlock()
	return ctrl, nil
}

func (s *ProgressionService) fetchSession(ctx context.Context, viewer domain.Viewer, courseID int64) (CourseSession, error) {
	session := CourseSession{Viewer: viewer}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		course, err := s.gateway.FetchCourse(gctx, courseID)
		if err != nil {
			return fmt.Errorf("fetch course: %w", err)
		}
		session.Course = *course
		return nil
	})
	g.Go(func() error {
		chapters, err := s.gateway.FetchCourseChapters(gctx, courseID)
		if err != nil {
			return fmt.Errorf("fetch chapters: %w", err)
		}
		session.Chapters = chapters
		return nil
	})
	if !viewer.Teacher {
		g.Go(func() error {
			enrolled, err := s.gateway.FetchEnrollmentStatus(gctx, viewer.ID, courseID)
			if err != nil {
				return fmt.Errorf("fetch enrollment: %w", err)
			}
			session.Enrolled = enrolled
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CourseSession{}, err
	}
	return session, nil
}

// Close discards the in-memory session. Pending pushes still run to
// completion.
func (s *ProgressionService) Close(viewer domain.Viewer, courseID int64) {
	key := keyFor(viewer, courseID)
	s.mu.Lock()
	entry, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if ok {
		s.closing.Go(entry.ctrl.Wait)
	}
}

// ClearCache discards the session and the viewer's durable cache entry for
// the course.
func (s *ProgressionService) ClearCache(ctx context.Context, viewer domain.Viewer, courseID int64) error {
	s.Close(viewer, courseID)
	if err := s.cache.Clear(ctx, viewer, courseID); err != nil {
		return fmt.Errorf("clear completion cache: %w", err)
	}
	return nil
}

func (s *ProgressionService) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *ProgressionService) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.idleTimeout)
	for key, entry := range s.sessions {
		if entry.lastUsed.Before(cutoff) {
			delete(s.sessions, key)
			s.closing.Go(entry.ctrl.Wait)
		}
	}
}

// Shutdown stops the idle sweep and waits for every pending gateway push,
// open or closed sessions.
func (s *ProgressionService) Shutdown() {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	open := make([]*ProgressionController, 0, len(s.sessions))
	for _, entry := range s.sessions {
		open = append(open, entry.ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range open {
		ctrl.Wait()
	}
	s.closing.Wait()
}
