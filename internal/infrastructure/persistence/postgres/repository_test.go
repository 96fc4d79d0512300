package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

const lockSQL = `FROM users WHERE id = $1 AND role = 'student' FOR UPDATE`

func aidaRow() [][]interface{} {
	return [][]interface{}{{int64(1), "aida", "Aida N.", "student", 45, 1, true}}
}

func studentReplies(overrides map[string]reply) func(string, []interface{}) reply {
	return func(sql string, _ []interface{}) reply {
		for fragment, r := range overrides {
			if strings.Contains(sql, compact(fragment)) {
				return r
			}
		}
		if strings.Contains(sql, lockSQL) {
			return reply{rows: aidaRow()}
		}
		return reply{}
	}
}

func TestStudentRepository_ApplyAdjustmentLocksThenWritesInOneTx(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(nil))
	repo := NewStudentRepository(gw, leveling.Default())

	bal, err := repo.ApplyAdjustment(context.Background(),
		student.Adjustment{StudentID: 1, LessonID: 10, Delta: 60, Reason: student.ReasonLessonReward})
	require.NoError(t, err)
	assert.Equal(t, student.Balance{XP: 105, Level: 2, PreviousXP: 45, PreviousLevel: 1}, bal)

	stmts := db.statements()
	require.Len(t, stmts, 3)
	for _, s := range stmts {
		assert.True(t, s.inTx, "%q ran outside the transaction", s.sql)
	}
	assert.Contains(t, stmts[0].sql, lockSQL)
	assert.Contains(t, stmts[1].sql, "UPDATE users SET xp_points = $1, current_level = $2")
	assert.Equal(t, []interface{}{105, 2, int64(1)}, stmts[1].args)

	insert := stmts[2]
	assert.Contains(t, insert.sql, "INSERT INTO xp_ledger")
	require.Len(t, insert.args, 11)
	assert.IsType(t, uuid.UUID{}, insert.args[0])
	lessonID, ok := insert.args[2].(*int64)
	require.True(t, ok)
	assert.EqualValues(t, 10, *lessonID)
	assert.Equal(t, []interface{}{int64(1)}, insert.args[1:2])
	assert.Equal(t, []interface{}{"lesson_reward", 60, 60, 45, 105, 1, 2}, insert.args[3:10])

	assert.Equal(t, 1, db.begins)
	assert.Equal(t, 1, db.commits)
	assert.Zero(t, db.rollbacks)
}

func TestStudentRepository_AdminAdjustmentHasNoLesson(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(nil))
	repo := NewStudentRepository(gw, leveling.Default())

	_, err := repo.ApplyAdjustment(context.Background(),
		student.Adjustment{StudentID: 1, Delta: -100, Reason: student.ReasonAdminDeduct})
	require.NoError(t, err)

	insert := db.find(t, "INSERT INTO xp_ledger")
	assert.Nil(t, insert.args[2])
	assert.Equal(t, []interface{}{"admin_deduct", -100, -45, 45, 0, 1, 1}, insert.args[3:10])
}

func TestStudentRepository_DuplicateRewardRollsBack(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(map[string]reply{
		"INSERT INTO xp_ledger": {err: &pgconn.PgError{Code: "23505", ConstraintName: "uq_xp_ledger_lesson_reward"}},
	}))
	repo := NewStudentRepository(gw, leveling.Default())

	_, err := repo.ApplyAdjustment(context.Background(),
		student.Adjustment{StudentID: 1, LessonID: 10, Delta: 20, Reason: student.ReasonLessonReward})
	assert.ErrorIs(t, err, shared.ErrRewardGranted)
	assert.True(t, shared.IsAlreadyExists(err))
	assert.Zero(t, db.commits)
	assert.Equal(t, 1, db.rollbacks)
}

func TestStudentRepository_BalanceOutsideColumnIsValidation(t *testing.T) {
	for _, code := range []string{"23514", "22003"} {
		t.Run(code, func(t *testing.T) {
			gw, db := newFakeGateway(t, studentReplies(map[string]reply{
				"UPDATE users SET xp_points": {err: &pgconn.PgError{Code: code}},
			}))
			repo := NewStudentRepository(gw, leveling.Default())

			_, err := repo.ApplyAdjustment(context.Background(),
				student.Adjustment{StudentID: 1, Delta: 5, Reason: student.ReasonAdminGrant})
			assert.ErrorIs(t, err, shared.ErrAmountOutOfRange)
			assert.True(t, shared.IsValidation(err))
			assert.Equal(t, 1, db.rollbacks)
		})
	}
}

func TestStudentRepository_MissingStudentWritesNothing(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(map[string]reply{
		lockSQL: {},
	}))
	repo := NewStudentRepository(gw, leveling.Default())

	_, err := repo.ApplyAdjustment(context.Background(),
		student.Adjustment{StudentID: 1, Delta: 5, Reason: student.ReasonAdminGrant})
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)
	assert.Len(t, db.statements(), 1)
	assert.Equal(t, 1, db.rollbacks)
}

func TestStudentRepository_InvalidAdjustmentNeverReachesStore(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(nil))
	repo := NewStudentRepository(gw, leveling.Default())

	_, err := repo.ApplyAdjustment(context.Background(),
		student.Adjustment{StudentID: 1, Delta: shared.MaxAdjustment + 1, Reason: student.ReasonAdminGrant})
	assert.ErrorIs(t, err, shared.ErrAmountOutOfRange)
	assert.Empty(t, db.statements())
	assert.Zero(t, db.begins)
}

func TestStudentRepository_ResetXP(t *testing.T) {
	gw, db := newFakeGateway(t, studentReplies(nil))
	repo := NewStudentRepository(gw, leveling.Default())

	bal, err := repo.ResetXP(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.XP)
	assert.Equal(t, 1, bal.Level)

	assert.Equal(t, []interface{}{0, 1, int64(1)}, db.find(t, "UPDATE users SET xp_points").args)
	insert := db.find(t, "INSERT INTO xp_ledger")
	assert.Equal(t, []interface{}{"admin_reset", -45, -45, 45, 0, 1, 1}, insert.args[3:10])
	assert.Equal(t, 1, db.commits)
}

func TestStudentRepository_ToggleActive(t *testing.T) {
	rows := [][]interface{}{{false}}
	gw, db := newFakeGateway(t, func(sql string, _ []interface{}) reply {
		return reply{rows: rows}
	})
	repo := NewStudentRepository(gw, leveling.Default())

	active, err := repo.ToggleActive(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, active)
	toggle := db.find(t, "SET is_active = NOT is_active")
	assert.Contains(t, toggle.sql, "WHERE id = $1 AND role = 'student' RETURNING is_active")
	assert.False(t, toggle.inTx)

	rows = nil
	_, err = repo.ToggleActive(context.Background(), 2)
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

func TestProgressRepository_MarkCompletedTransitionsOnce(t *testing.T) {
	completed := false
	gw, db := newFakeGateway(t, func(sql string, _ []interface{}) reply {
		if completed {
			return reply{}
		}
		completed = true
		return reply{rows: [][]interface{}{{int64(7)}}}
	})
	repo := NewProgressRepository(gw)

	changed, err := repo.MarkCompleted(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.MarkCompleted(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.False(t, changed)

	stmts := db.statements()
	require.Len(t, stmts, 2)
	sql := stmts[0].sql
	assert.Contains(t, sql, "ON CONFLICT (user_id, lesson_id) DO UPDATE SET status = 'completed'")
	assert.Contains(t, sql, "WHERE lesson_progress.status <> 'completed' RETURNING id")
	assert.Equal(t, int64(1), stmts[0].args[0])
	assert.Equal(t, int64(10), stmts[0].args[1])
	assert.IsType(t, time.Time{}, stmts[0].args[2])
}

func TestProgressRepository_MarkInProgressIsIdempotent(t *testing.T) {
	gw, db := newFakeGateway(t, func(string, []interface{}) reply { return reply{} })
	repo := NewProgressRepository(gw)

	created, err := repo.MarkInProgress(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Contains(t, db.find(t, "INSERT INTO lesson_progress").sql, "ON CONFLICT (user_id, lesson_id) DO NOTHING RETURNING id")
}

func TestProgressRepository_GetScansStatus(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := started.Add(time.Hour)
	rows := [][]interface{}{{int64(1), int64(10), "completed", started, &done}}
	gw, db := newFakeGateway(t, func(string, []interface{}) reply { return reply{rows: rows} })
	repo := NewProgressRepository(gw)

	p, err := repo.GetForUpdate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, lesson.Completed, p.Status)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, done, *p.CompletedAt)
	assert.True(t, strings.HasSuffix(db.statements()[0].sql, "FOR UPDATE"))

	rows = nil
	p, err = repo.Get(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Equal(t, lesson.NotStarted, p.Status)
	assert.EqualValues(t, 2, p.StudentID)
}

func TestProgressRepository_FindUnrewardedCompletions(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gw, db := newFakeGateway(t, func(string, []interface{}) reply {
		return reply{rows: [][]interface{}{
			{int64(1), int64(10), "completed", at, &at},
			{int64(3), int64(11), "completed", at, &at},
		}}
	})
	repo := NewProgressRepository(gw)

	got, err := repo.FindUnrewardedCompletions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 11, got[1].LessonID)

	q := db.statements()[0]
	assert.Contains(t, q.sql, "NOT EXISTS ( SELECT 1 FROM xp_ledger l")
	assert.Contains(t, q.sql, "AND l.reason = 'lesson_reward'")
	assert.Equal(t, []interface{}{100}, q.args)
}

func TestLedgerRepository_HasLessonReward(t *testing.T) {
	gw, db := newFakeGateway(t, func(string, []interface{}) reply {
		return reply{rows: [][]interface{}{{true}}}
	})

	ok, err := NewLedgerRepository(gw).HasLessonReward(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, db.statements()[0].sql, "reason = 'lesson_reward'")
}
