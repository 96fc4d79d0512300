// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"

	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// VIEW LESSON COMMAND
// Opening a lesson page starts it. Later views change nothing.
// ══════════════════════════════════════════════════════════════════════════════

// ViewLessonCommand records that a student opened a lesson.
type ViewLessonCommand struct {
	StudentID int64
	LessonID  int64
}

// Validate validates the command.
func (c ViewLessonCommand) Validate() error {
	if c.StudentID <= 0 {
		return shared.ErrInvalidStudentID
	}
	if c.LessonID <= 0 {
		return shared.ErrInvalidLessonID
	}
	return nil
}

// ViewLessonResult contains the progress after the view.
type ViewLessonResult struct {
	Status lesson.Status

	// Started is true only for the view that created the progress row.
	Started bool
}

// ViewLessonHandler handles the ViewLessonCommand.
type ViewLessonHandler struct {
	students student.Repository
	lessons  lesson.Repository
	progress lesson.ProgressRepository
	ledger   *ledger.Service
}

// NewViewLessonHandler creates a new ViewLessonHandler.
func NewViewLessonHandler(
	students student.Repository,
	lessons lesson.Repository,
	progress lesson.ProgressRepository,
	ledgerSvc *ledger.Service,
) *ViewLessonHandler {
	return &ViewLessonHandler{
		students: students,
		lessons:  lessons,
		progress: progress,
		ledger:   ledgerSvc,
	}
}

// Handle executes the view lesson command.
func (h *ViewLessonHandler) Handle(ctx context.Context, cmd ViewLessonCommand) (*ViewLessonResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	if _, err := loadVisibleLesson(ctx, h.lessons, cmd.LessonID); err != nil {
		return nil, err
	}
	if _, err := loadLearner(ctx, h.students, cmd.StudentID); err != nil {
		return nil, err
	}

	created, err := h.progress.MarkInProgress(ctx, cmd.StudentID, cmd.LessonID)
	if err != nil {
		return nil, fmt.Errorf("view_lesson: %w", err)
	}

	if created {
		ev := shared.NewLessonStartedEvent(cmd.StudentID, cmd.LessonID)
		ev.BaseEvent = ledger.Correlate(ctx, ev.BaseEvent)
		h.ledger.Publish(ctx, ev)
		return &ViewLessonResult{Status: lesson.InProgress, Started: true}, nil
	}

	p, err := h.progress.Get(ctx, cmd.StudentID, cmd.LessonID)
	if err != nil {
		return nil, fmt.Errorf("view_lesson: %w", err)
	}
	return &ViewLessonResult{Status: p.Status}, nil
}

// loadVisibleLesson returns the lesson or ErrLessonNotFound when it does
// not exist or is unpublished.
func loadVisibleLesson(ctx context.Context, lessons lesson.Repository, id int64) (*lesson.Lesson, error) {
	l, err := lessons.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.Visible() {
		return nil, shared.ErrLessonNotFound
	}
	return l, nil
}

// loadLearner returns an active student-role account.
func loadLearner(ctx context.Context, students student.Repository, id int64) (*student.Student, error) {
	st, err := students.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsStudent() {
		return nil, shared.ErrStudentNotFound
	}
	if err := st.CanLearn(); err != nil {
		return nil, err
	}
	return st, nil
}
