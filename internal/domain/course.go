package domain

import "context"

// Course is a course as seen by the progression engine.
type Course struct {
	ID int64
	// Title is display-only.
	Title string
	// RequireSequentialProgress gates each chapter behind all previous ones.
	// Only an explicit false from the LMS disables it.
	RequireSequentialProgress bool
}

// Chapter is an ordered unit of course content.
type Chapter struct {
	ID          int64
	CourseID    int64
	Position    int // 0-based, fixed at fetch time
	Title       string
	Description string
	Video       string // uploaded file path or URL
	VideoURL    string
	TextContent string // HTML
	Remarks     string
}

// SyncGateway is the remote LMS API that owns durable, multi-device
// completion and enrollment state.
type SyncGateway interface {
	FetchCourse(ctx context.Context, courseID int64) (*Course, error)
	// FetchCourseChapters returns chapters in stable display order with
	// Position set to their index.
	FetchCourseChapters(ctx context.Context, courseID int64) ([]Chapter, error)
	FetchCompletedChapters(ctx context.Context, studentID, courseID int64) ([]int64, error)
	// PushChapterComplete is idempotent on the server side.
	PushChapterComplete(ctx context.Context, studentID, chapterID, courseID int64) error
	FetchEnrollmentStatus(ctx context.Context, studentID, courseID int64) (bool, error)
}
