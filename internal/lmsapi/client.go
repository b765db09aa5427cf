// Package lmsapi talks to the learning-management REST API that owns courses,
// chapters, enrollment and the authoritative completion records.
package lmsapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/msomdec/course-progress/internal/domain"
)

const statusSuccess = "success"

// Client implements domain.SyncGateway over HTTP.
type Client struct {
	http *resty.Client
}

// New creates a client rooted at baseURL, e.g. "http://127.0.0.1:8000/api".
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c}
}

type courseResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	// Absent on older LMS versions; a missing flag means sequential.
	RequireSequentialProgress *bool `json:"require_sequential_progress"`
}

type chapterResponse struct {
	ID          int64  `json:"id"`
	Course      int64  `json:"course"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Video       string `json:"video"`
	VideoURL    string `json:"video_url"`
	TextContent string `json:"text_content"`
	Remarks     string `json:"remarks"`
}

type courseChaptersResponse struct {
	CourseTitle string            `json:"course_title"`
	Chapters    []chapterResponse `json:"chapters"`
}

type completedChaptersResponse struct {
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	CompletedChapters []int64 `json:"completed_chapters"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type markCompleteRequest struct {
	StudentID int64 `json:"student_id"`
	ChapterID int64 `json:"chapter_id"`
	CourseID  int64 `json:"course_id"`
}

type enrollmentResponse struct {
	IsEnrolled bool `json:"is_enrolled"`
}

func (c *Client) FetchCourse(ctx context.Context, courseID int64) (*domain.Course, error) {
	var out courseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("courseID", strconv.FormatInt(courseID, 10)).
		SetResult(&out).
		Get("/course/{courseID}/")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	course := &domain.Course{
		ID:                        out.ID,
		Title:                     out.Title,
		RequireSequentialProgress: true,
	}
	if course.ID == 0 {
		course.ID = courseID
	}
	if out.RequireSequentialProgress != nil {
		course.RequireSequentialProgress = *out.RequireSequentialProgress
	}
	return course, nil
}

// FetchCourseChapters returns the course's chapters in the order the LMS lists
// them, with Position set to the index in that order.
func (c *Client) FetchCourseChapters(ctx context.Context, courseID int64) ([]domain.Chapter, error) {
	var out courseChaptersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("courseID", strconv.FormatInt(courseID, 10)).
		SetResult(&out).
		Get("/course-chapters/{courseID}/")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	chapters := make([]domain.Chapter, 0, len(out.Chapters))
	seen := make(map[int64]struct{}, len(out.Chapters))
	for _, ch := range out.Chapters {
		if _, dup := seen[ch.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate chapter id %d", domain.ErrSyncFailed, ch.ID)
		}
		seen[ch.ID] = struct{}{}

		courseRef := ch.Course
		if courseRef == 0 {
			courseRef = courseID
		}
		chapters = append(chapters, domain.Chapter{
			ID:          ch.ID,
			CourseID:    courseRef,
			Position:    len(chapters),
			Title:       ch.Title,
			Description: ch.Description,
			Video:       ch.Video,
			VideoURL:    ch.VideoURL,
			TextContent: ch.TextContent,
			Remarks:     ch.Remarks,
		})
	}
	return chapters, nil
}

func (c *Client) FetchCompletedChapters(ctx context.Context, studentID, courseID int64) ([]int64, error) {
	var out completedChaptersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"studentID": strconv.FormatInt(studentID, 10),
			"courseID":  strconv.FormatInt(courseID, 10),
		}).
		SetResult(&out).
		SetError(&out).
		Get("/get-completed-chapters/{studentID}/{courseID}/")
	if err := checkResponse(resp, err); err != nil {
		return nil, withMessage(err, out.Message)
	}
	if out.Status != statusSuccess {
		return nil, fmt.Errorf("%w: completed chapters: status %q: %s", domain.ErrSyncFailed, out.Status, out.Message)
	}
	return out.CompletedChapters, nil
}

func (c *Client) PushChapterComplete(ctx context.Context, studentID, chapterID, courseID int64) error {
	var out statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(markCompleteRequest{
			StudentID: studentID,
			ChapterID: chapterID,
			CourseID:  courseID,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/mark-chapter-complete/")
	if err := checkResponse(resp, err); err != nil {
		return withMessage(err, out.Message)
	}
	if out.Status != statusSuccess {
		return fmt.Errorf("%w: mark complete: status %q: %s", domain.ErrSyncFailed, out.Status, out.Message)
	}
	return nil
}

func (c *Client) FetchEnrollmentStatus(ctx context.Context, studentID, courseID int64) (bool, error) {
	var out enrollmentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"studentID": strconv.FormatInt(studentID, 10),
			"courseID":  strconv.FormatInt(courseID, 10),
		}).
		SetResult(&out).
		Get("/check-enrollment/{studentID}/{courseID}/")
	if err := checkResponse(resp, err); err != nil {
		return false, err
	}
	return out.IsEnrolled, nil
}

// checkResponse maps transport failures and HTTP status codes onto the
// domain errors. A 404 is ErrNotFound; anything else unsuccessful is
// ErrSyncFailed.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSyncFailed, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, resp.Request.Method, resp.Request.URL)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrSyncFailed, resp.Request.Method, resp.Request.URL, resp.StatusCode())
	}
	return nil
}

func withMessage(err error, msg string) error {
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}
