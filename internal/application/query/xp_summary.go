// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// XP SUMMARY QUERY
// The numbers behind the XP bar on the lesson page.
// ══════════════════════════════════════════════════════════════════════════════

// GetXPSummaryQuery asks for a student's balance.
type GetXPSummaryQuery struct {
	StudentID int64
}

// XPSummaryDTO is a balance with its position inside the current level.
type XPSummaryDTO struct {
	StudentID       int64 `json:"student_id"`
	XP              int   `json:"xp"`
	Level           int   `json:"level"`
	NextLevelXP     int   `json:"next_level_xp"`
	XPToNextLevel   int   `json:"xp_to_next_level"`
	ProgressPercent int   `json:"progress_percent"`
}

// GetXPSummaryHandler handles GetXPSummaryQuery.
type GetXPSummaryHandler struct {
	students student.Repository
	policy   leveling.Policy
}

// NewGetXPSummaryHandler creates a new GetXPSummaryHandler.
func NewGetXPSummaryHandler(students student.Repository, policy leveling.Policy) *GetXPSummaryHandler {
	return &GetXPSummaryHandler{students: students, policy: policy}
}

// Handle executes the query.
func (h *GetXPSummaryHandler) Handle(ctx context.Context, q GetXPSummaryQuery) (*XPSummaryDTO, error) {
	st, err := getStudent(ctx, h.students, q.StudentID)
	if err != nil {
		return nil, err
	}

	return &XPSummaryDTO{
		StudentID:       st.ID,
		XP:              st.XP,
		Level:           st.Level,
		NextLevelXP:     h.policy.XPForNextLevel(st.XP),
		XPToNextLevel:   h.policy.XPToNextLevel(st.XP),
		ProgressPercent: h.policy.ProgressPercent(st.XP),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetLessonProgressQuery asks for one (student, lesson) progress.
type GetLessonProgressQuery struct {
	StudentID int64
	LessonID  int64
}

// LessonProgressDTO is the progress of one student on one lesson.
type LessonProgressDTO struct {
	StudentID   int64      `json:"student_id"`
	LessonID    int64      `json:"lesson_id"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GetLessonProgressHandler handles GetLessonProgressQuery.
type GetLessonProgressHandler struct {
	lessons  lesson.Repository
	progress lesson.ProgressRepository
}

// NewGetLessonProgressHandler creates a new GetLessonProgressHandler.
func NewGetLessonProgressHandler(lessons lesson.Repository, progress lesson.ProgressRepository) *GetLessonProgressHandler {
	return &GetLessonProgressHandler{lessons: lessons, progress: progress}
}

// Handle executes the query. A pair with no row reports "not_started".
func (h *GetLessonProgressHandler) Handle(ctx context.Context, q GetLessonProgressQuery) (*LessonProgressDTO, error) {
	if q.StudentID <= 0 {
		return nil, shared.ErrInvalidStudentID
	}
	if q.LessonID <= 0 {
		return nil, shared.ErrInvalidLessonID
	}

	l, err := h.lessons.GetByID(ctx, q.LessonID)
	if err != nil {
		return nil, err
	}
	if !l.Visible() {
		return nil, shared.ErrLessonNotFound
	}

	p, err := h.progress.Get(ctx, q.StudentID, q.LessonID)
	if err != nil {
		return nil, err
	}

	return &LessonProgressDTO{
		StudentID:   q.StudentID,
		LessonID:    q.LessonID,
		Status:      p.Status.String(),
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}, nil
}

// getStudent loads a student-role account; other roles are reported as not found.
func getStudent(ctx context.Context, students student.Repository, id int64) (*student.Student, error) {
	if id <= 0 {
		return nil, shared.ErrInvalidStudentID
	}
	st, err := students.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsStudent() {
		return nil, shared.ErrStudentNotFound
	}
	return st, nil
}
