package handler

import (
	"github.com/msomdec/course-progress/internal/domain"
	"github.com/msomdec/course-progress/internal/service"
)

// ViewerDTO is the JSON representation of a viewer.
type ViewerDTO struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
}

func toViewerDTO(v domain.Viewer) ViewerDTO {
	return ViewerDTO{ID: v.ID, Kind: v.Kind()}
}

// ChapterDTO is the JSON representation of a chapter and its evaluated state.
type ChapterDTO struct {
	ID          int64  `json:"id"`
	Position    int    `json:"position"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Video       string `json:"video,omitempty"`
	VideoURL    string `json:"videoUrl,omitempty"`
	TextContent string `json:"textContent,omitempty"`
	Remarks     string `json:"remarks,omitempty"`
	Accessible  bool   `json:"accessible"`
	Completed   bool   `json:"completed"`
	Status      string `json:"status"`
}

// Locked chapters never carry their content.
func toChapterDTO(st service.ChapterState) ChapterDTO {
	dto := ChapterDTO{
		ID:          st.Chapter.ID,
		Position:    st.Index,
		Title:       st.Chapter.Title,
		Description: st.Chapter.Description,
		Accessible:  st.Accessible,
		Completed:   st.Completed,
		Status:      st.Status,
	}
	if st.Accessible {
		dto.Video = st.Chapter.Video
		dto.VideoURL = st.Chapter.VideoURL
		dto.TextContent = st.Chapter.TextContent
		dto.Remarks = st.Chapter.Remarks
	}
	return dto
}

// ProgressDTO is the JSON representation of course progress.
type ProgressDTO struct {
	CompletedChapters   int  `json:"completedChapters"`
	TotalChapters       int  `json:"totalChapters"`
	Percentage          int  `json:"percentage"`
	CertificateEligible bool `json:"certificateEligible"`
}

// CourseViewDTO is the JSON representation of a progression session.
type CourseViewDTO struct {
	ID                        int64        `json:"id"`
	Title                     string       `json:"title"`
	RequireSequentialProgress bool         `json:"requireSequentialProgress"`
	Role                      string       `json:"role"`
	Enrolled                  bool         `json:"enrolled"`
	Chapters                  []ChapterDTO `json:"chapters"`
	Progress                  ProgressDTO  `json:"progress"`
	ActiveChapterID           *int64       `json:"activeChapterId"`
	CanAdvance                bool         `json:"canAdvance"`
	CanRetreat                bool         `json:"canRetreat"`
}

func toCourseViewDTO(cv service.CourseView) CourseViewDTO {
	chapters := make([]ChapterDTO, len(cv.Chapters))
	for i, st := range cv.Chapters {
		chapters[i] = toChapterDTO(st)
	}
	dto := CourseViewDTO{
		ID:                        cv.Course.ID,
		Title:                     cv.Course.Title,
		RequireSequentialProgress: cv.Course.RequireSequentialProgress,
		Role:                      string(cv.Role),
		Enrolled:                  cv.Enrolled,
		Chapters:                  chapters,
		Progress: ProgressDTO{
			CompletedChapters:   cv.Progress.CompletedChapters,
			TotalChapters:       cv.Progress.TotalChapters,
			Percentage:          cv.Progress.Percentage,
			CertificateEligible: cv.Progress.CertificateEligible,
		},
		CanAdvance: cv.CanAdvance,
		CanRetreat: cv.CanRetreat,
	}
	if cv.ActiveChapterID != 0 {
		id := cv.ActiveChapterID
		dto.ActiveChapterID = &id
	}
	return dto
}

// MutationDTO is the response to a state-changing course request.
type MutationDTO struct {
	Changed bool          `json:"changed"`
	Course  CourseViewDTO `json:"course"`
}
