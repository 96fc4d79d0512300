package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// LedgerRepository implements student.LedgerRepository for PostgreSQL.
type LedgerRepository struct {
	gw *Gateway
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(gw *Gateway) *LedgerRepository {
	return &LedgerRepository{gw: gw}
}

// HasLessonReward reports whether the pair already has a lesson_reward entry.
func (r *LedgerRepository) HasLessonReward(ctx context.Context, studentID, lessonID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM xp_ledger
			WHERE user_id = $1 AND lesson_id = $2 AND reason = 'lesson_reward'
		)
	`

	var exists bool
	if err := r.gw.QueryRow(ctx, query, studentID, lessonID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check lesson reward: %w", err)
	}
	return exists, nil
}

// ListEntries returns the newest ledger entries for a student.
func (r *LedgerRepository) ListEntries(ctx context.Context, studentID int64, limit int) ([]student.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, COALESCE(lesson_id, 0), reason, delta_requested, delta_applied,
		       xp_before, xp_after, level_before, level_after, created_at
		FROM xp_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.gw.Query(ctx, query, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []student.Entry
	for rows.Next() {
		var (
			e      student.Entry
			id     uuid.UUID
			reason string
		)
		if err := rows.Scan(&id, &e.StudentID, &e.LessonID, &reason, &e.DeltaRequested, &e.DeltaApplied,
			&e.XPBefore, &e.XPAfter, &e.LevelBefore, &e.LevelAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ID = id.String()
		e.Reason = student.Reason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
