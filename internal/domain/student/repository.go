package student

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository is the storage port for student balances.
//
// Mutating methods are atomic per student: the row is locked, the new
// balance computed with Apply or Reset, the row updated and the ledger entry
// inserted in one unit of work. When ctx carries a transaction the methods
// join it instead of opening their own.
type Repository interface {
	// GetByID returns the account with the given id.
	// Returns shared.ErrStudentNotFound if no such row exists.
	GetByID(ctx context.Context, id int64) (*Student, error)

	// ApplyAdjustment applies adj to a student-role account.
	// Returns shared.ErrStudentNotFound for unknown or non-student ids.
	ApplyAdjustment(ctx context.Context, adj Adjustment) (Balance, error)

	// ResetXP sets XP to 0 and the level to 1 and records an admin_reset entry.
	ResetXP(ctx context.Context, id int64) (Balance, error)

	// ToggleActive flips is_active in a single statement and returns the new value.
	ToggleActive(ctx context.Context, id int64) (bool, error)
}

// LedgerRepository reads the xp_ledger.
type LedgerRepository interface {
	// HasLessonReward reports whether a lesson_reward entry exists for the pair.
	HasLessonReward(ctx context.Context, studentID, lessonID int64) (bool, error)

	// ListEntries returns the newest entries for a student, newest first.
	ListEntries(ctx context.Context, studentID int64, limit int) ([]Entry, error)
}
