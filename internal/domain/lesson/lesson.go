// Package lesson holds lesson reference data and the per-student progress
// state machine.
package lesson

import (
	"context"
	"time"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

// Lesson is read-only reference data owned by the content side of the platform.
type Lesson struct {
	ID          int64
	Title       string
	XPReward    int
	IsPublished bool
}

// Reward returns the XP granted for completing the lesson, capped at
// shared.MaxAdjustment.
func (l *Lesson) Reward() int {
	switch {
	case l.XPReward < 0:
		return 0
	case l.XPReward > shared.MaxAdjustment:
		return shared.MaxAdjustment
	}
	return l.XPReward
}

// Visible reports whether students may view or complete the lesson.
func (l *Lesson) Visible() bool {
	return l != nil && l.IsPublished
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STATE MACHINE
// ══════════════════════════════════════════════════════════════════════════════

// Status is the progress of one student on one lesson.
// The zero value is NotStarted, which is also what an absent row means.
type Status int

const (
	NotStarted Status = iota
	InProgress
	Completed
)

// String returns the stored form of the status.
func (s Status) String() string {
	switch s {
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	default:
		return "not_started"
	}
}

// ParseStatus parses the stored form of a status.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "", "not_started":
		return NotStarted, nil
	case "in_progress":
		return InProgress, nil
	case "completed":
		return Completed, nil
	default:
		return NotStarted, shared.ErrInvalidProgressState
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Progress only moves forward; completing without a recorded view is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case NotStarted:
		return next == InProgress || next == Completed
	case InProgress:
		return next == Completed
	default:
		return false
	}
}

// Progress is one (student, lesson) row.
type Progress struct {
	StudentID   int64
	LessonID    int64
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Transition moves p to next or returns ErrIllegalTransition.
func (p *Progress) Transition(next Status, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return shared.ErrIllegalTransition
	}
	t := now.UTC()
	if p.StartedAt == nil {
		p.StartedAt = &t
	}
	if next == Completed {
		p.CompletedAt = &t
	}
	p.Status = next
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// Repository reads lesson reference data.
type Repository interface {
	// GetByID returns shared.ErrLessonNotFound if the lesson does not exist.
	GetByID(ctx context.Context, id int64) (*Lesson, error)
}

// ProgressRepository stores progress rows. At most one row exists per pair.
type ProgressRepository interface {
	// Get returns the progress for the pair. An absent row is NotStarted.
	Get(ctx context.Context, studentID, lessonID int64) (Progress, error)

	// GetForUpdate is Get that also locks an existing row for the
	// surrounding transaction.
	GetForUpdate(ctx context.Context, studentID, lessonID int64) (Progress, error)

	// MarkInProgress creates the row as in_progress if none exists.
	// It reports whether a row was created.
	MarkInProgress(ctx context.Context, studentID, lessonID int64) (bool, error)

	// MarkCompleted moves the pair to completed, creating the row if needed.
	// It reports false when the pair was already completed.
	MarkCompleted(ctx context.Context, studentID, lessonID int64) (bool, error)

	// CountCompleted returns how many lessons the student has completed.
	CountCompleted(ctx context.Context, studentID int64) (int, error)

	// FindUnrewardedCompletions lists completed pairs that have no
	// lesson_reward ledger entry, oldest first.
	FindUnrewardedCompletions(ctx context.Context, limit int) ([]Progress, error)
}
