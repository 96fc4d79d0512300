package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

const studentColumns = `id, username, full_name, role, xp_points, current_level, is_active`

// StudentRepository implements student.Repository for PostgreSQL.
type StudentRepository struct {
	gw     *Gateway
	policy leveling.Policy
	now    func() time.Time
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(gw *Gateway, policy leveling.Policy) *StudentRepository {
	return &StudentRepository{
		gw:     gw,
		policy: policy,
		now:    time.Now,
	}
}

// GetByID returns the account with the given id, whatever its role.
func (r *StudentRepository) GetByID(ctx context.Context, id int64) (*student.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM users WHERE id = $1`
	return r.scanStudent(r.gw.QueryRow(ctx, query, id))
}

// lockStudent selects a student-role row FOR UPDATE. Must run inside a transaction.
func (r *StudentRepository) lockStudent(ctx context.Context, id int64) (*student.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM users WHERE id = $1 AND role = 'student' FOR UPDATE`
	return r.scanStudent(r.gw.QueryRow(ctx, query, id))
}

// ApplyAdjustment locks the student row, applies adj and records the ledger
// entry, all in one transaction.
func (r *StudentRepository) ApplyAdjustment(ctx context.Context, adj student.Adjustment) (student.Balance, error) {
	if err := adj.Validate(); err != nil {
		return student.Balance{}, err
	}

	var balance student.Balance
	err := r.gw.WithTx(ctx, func(ctx context.Context) error {
		s, err := r.lockStudent(ctx, adj.StudentID)
		if err != nil {
			return err
		}

		b, entry := student.Apply(s, adj, r.policy, r.now())
		if err := r.writeBalance(ctx, s.ID, b); err != nil {
			return err
		}
		if err := r.insertEntry(ctx, entry); err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return student.Balance{}, err
	}
	return balance, nil
}

// ResetXP sets the balance to 0 / level 1 and records an admin_reset entry.
func (r *StudentRepository) ResetXP(ctx context.Context, id int64) (student.Balance, error) {
	var balance student.Balance
	err := r.gw.WithTx(ctx, func(ctx context.Context) error {
		s, err := r.lockStudent(ctx, id)
		if err != nil {
			return err
		}

		b, entry := student.Reset(s, r.policy, r.now())
		if err := r.writeBalance(ctx, s.ID, b); err != nil {
			return err
		}
		if err := r.insertEntry(ctx, entry); err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return student.Balance{}, err
	}
	return balance, nil
}

// ToggleActive flips is_active in one statement.
func (r *StudentRepository) ToggleActive(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE users
		SET is_active = NOT is_active, updated_at = NOW()
		WHERE id = $1 AND role = 'student'
		RETURNING is_active
	`

	var active bool
	if err := r.gw.QueryRow(ctx, query, id).Scan(&active); err != nil {
		if IsNoRows(err) {
			return false, shared.ErrStudentNotFound
		}
		return false, fmt.Errorf("failed to toggle student active flag: %w", err)
	}
	return active, nil
}

func (r *StudentRepository) writeBalance(ctx context.Context, id int64, b student.Balance) error {
	query := `
		UPDATE users
		SET xp_points = $1, current_level = $2, updated_at = NOW()
		WHERE id = $3
	`

	n, err := r.gw.Exec(ctx, query, b.XP, b.Level, id)
	if err != nil {
		if IsCheckViolation(err) || IsNumericOutOfRange(err) {
			return shared.ErrAmountOutOfRange
		}
		return fmt.Errorf("failed to update xp balance: %w", err)
	}
	if n == 0 {
		return shared.ErrStudentNotFound
	}
	return nil
}

func (r *StudentRepository) insertEntry(ctx context.Context, e student.Entry) error {
	query := `
		INSERT INTO xp_ledger (
			id, user_id, lesson_id, reason, delta_requested, delta_applied,
			xp_before, xp_after, level_before, level_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.gw.Exec(ctx, query,
		uuid.New(),
		e.StudentID,
		nullableID(e.LessonID),
		e.Reason.String(),
		e.DeltaRequested,
		e.DeltaApplied,
		e.XPBefore,
		e.XPAfter,
		e.LevelBefore,
		e.LevelAfter,
		e.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrRewardGranted
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (r *StudentRepository) scanStudent(row pgx.Row) (*student.Student, error) {
	var (
		s    student.Student
		role string
	)
	err := row.Scan(&s.ID, &s.Username, &s.FullName, &role, &s.XP, &s.Level, &s.IsActive)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrStudentNotFound
		}
		if shared.IsUnavailable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan student: %w", err)
	}
	s.Role = student.Role(role)
	return &s, nil
}

func nullableID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
