package query

import (
	"context"
	"time"

	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN STUDENT QUERY
// Feeds the XP modal in the admin panel.
// ══════════════════════════════════════════════════════════════════════════════

// AdminGetStudentQuery asks for one student with recent ledger history.
type AdminGetStudentQuery struct {
	StudentID int64

	// HistoryLimit caps RecentEntries (default 10).
	HistoryLimit int
}

// LedgerEntryDTO is one ledger row.
type LedgerEntryDTO struct {
	ID           string    `json:"id"`
	Reason       string    `json:"reason"`
	LessonID     int64     `json:"lesson_id,omitempty"`
	DeltaApplied int       `json:"delta_applied"`
	XPAfter      int       `json:"xp_after"`
	LevelAfter   int       `json:"level_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdminStudentDTO is the admin view of a student.
type AdminStudentDTO struct {
	ID            int64            `json:"id"`
	FullName      string           `json:"full_name"`
	Username      string           `json:"username"`
	XP            int              `json:"xp_points"`
	Level         int              `json:"level"`
	IsActive      bool             `json:"is_active"`
	LessonsDone   int              `json:"lessons_done"`
	RecentEntries []LedgerEntryDTO `json:"recent_entries"`
}

// AdminGetStudentHandler handles AdminGetStudentQuery.
type AdminGetStudentHandler struct {
	students student.Repository
	entries  student.LedgerRepository
	progress lesson.ProgressRepository
}

// NewAdminGetStudentHandler creates a new AdminGetStudentHandler.
func NewAdminGetStudentHandler(
	students student.Repository,
	entries student.LedgerRepository,
	progress lesson.ProgressRepository,
) *AdminGetStudentHandler {
	return &AdminGetStudentHandler{students: students, entries: entries, progress: progress}
}

// Handle executes the query.
func (h *AdminGetStudentHandler) Handle(ctx context.Context, q AdminGetStudentQuery) (*AdminStudentDTO, error) {
	if q.HistoryLimit <= 0 {
		q.HistoryLimit = 10
	}

	st, err := getStudent(ctx, h.students, q.StudentID)
	if err != nil {
		return nil, err
	}

	done, err := h.progress.CountCompleted(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	entries, err := h.entries.ListEntries(ctx, st.ID, q.HistoryLimit)
	if err != nil {
		return nil, err
	}

	dto := &AdminStudentDTO{
		ID:            st.ID,
		FullName:      st.FullName,
		Username:      st.Username,
		XP:            st.XP,
		Level:         st.Level,
		IsActive:      st.IsActive,
		LessonsDone:   done,
		RecentEntries: make([]LedgerEntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		dto.RecentEntries = append(dto.RecentEntries, LedgerEntryDTO{
			ID:           e.ID,
			Reason:       e.Reason.String(),
			LessonID:     e.LessonID,
			DeltaApplied: e.DeltaApplied,
			XPAfter:      e.XPAfter,
			LevelAfter:   e.LevelAfter,
			CreatedAt:    e.CreatedAt,
		})
	}
	return dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION REPORT QUERY
// ══════════════════════════════════════════════════════════════════════════════

// ReconciliationReportQuery lists completed lessons without a reward entry.
type ReconciliationReportQuery struct {
	Limit int
}

// UnrewardedCompletionDTO is one completed lesson with no reward entry.
type UnrewardedCompletionDTO struct {
	StudentID   int64      `json:"student_id"`
	LessonID    int64      `json:"lesson_id"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReconciliationReportDTO is the reconciliation report.
type ReconciliationReportDTO struct {
	Count int                       `json:"count"`
	Items []UnrewardedCompletionDTO `json:"items"`
}

// ReconciliationReportHandler handles ReconciliationReportQuery.
type ReconciliationReportHandler struct {
	progress lesson.ProgressRepository
}

// NewReconciliationReportHandler creates a new ReconciliationReportHandler.
func NewReconciliationReportHandler(progress lesson.ProgressRepository) *ReconciliationReportHandler {
	return &ReconciliationReportHandler{progress: progress}
}

// Handle executes the query.
func (h *ReconciliationReportHandler) Handle(ctx context.Context, q ReconciliationReportQuery) (*ReconciliationReportDTO, error) {
	gaps, err := h.progress.FindUnrewardedCompletions(ctx, q.Limit)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReportDTO{
		Count: len(gaps),
		Items: make([]UnrewardedCompletionDTO, 0, len(gaps)),
	}
	for _, p := range gaps {
		report.Items = append(report.Items, UnrewardedCompletionDTO{
			StudentID:   p.StudentID,
			LessonID:    p.LessonID,
			CompletedAt: p.CompletedAt,
		})
	}
	return report, nil
}
