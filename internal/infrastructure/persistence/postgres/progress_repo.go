package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LESSON REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LessonRepository implements lesson.Repository for PostgreSQL.
type LessonRepository struct {
	gw *Gateway
}

// NewLessonRepository creates a new LessonRepository.
func NewLessonRepository(gw *Gateway) *LessonRepository {
	return &LessonRepository{gw: gw}
}

// GetByID returns the lesson with the given id.
func (r *LessonRepository) GetByID(ctx context.Context, id int64) (*lesson.Lesson, error) {
	query := `SELECT id, title, xp_reward, is_published FROM lessons WHERE id = $1`

	var l lesson.Lesson
	if err := r.gw.QueryRow(ctx, query, id).Scan(&l.ID, &l.Title, &l.XPReward, &l.IsPublished); err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLessonNotFound
		}
		if shared.IsUnavailable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	return &l, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements lesson.ProgressRepository for PostgreSQL.
// The UNIQUE (user_id, lesson_id) constraint keeps one row per pair.
type ProgressRepository struct {
	gw  *Gateway
	now func() time.Time
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(gw *Gateway) *ProgressRepository {
	return &ProgressRepository{gw: gw, now: time.Now}
}

const progressSelect = `
	SELECT user_id, lesson_id, status, started_at, completed_at
	FROM lesson_progress
	WHERE user_id = $1 AND lesson_id = $2
`

// Get returns the progress for the pair, NotStarted when no row exists.
func (r *ProgressRepository) Get(ctx context.Context, studentID, lessonID int64) (lesson.Progress, error) {
	return r.get(ctx, progressSelect, studentID, lessonID)
}

// GetForUpdate is Get with a row lock held until the transaction ends.
func (r *ProgressRepository) GetForUpdate(ctx context.Context, studentID, lessonID int64) (lesson.Progress, error) {
	return r.get(ctx, progressSelect+` FOR UPDATE`, studentID, lessonID)
}

func (r *ProgressRepository) get(ctx context.Context, query string, studentID, lessonID int64) (lesson.Progress, error) {
	p, err := scanProgress(r.gw.QueryRow(ctx, query, studentID, lessonID))
	if err != nil {
		if IsNoRows(err) {
			return lesson.Progress{StudentID: studentID, LessonID: lessonID, Status: lesson.NotStarted}, nil
		}
		return lesson.Progress{}, err
	}
	return p, nil
}

// MarkInProgress inserts an in_progress row unless one already exists.
func (r *ProgressRepository) MarkInProgress(ctx context.Context, studentID, lessonID int64) (bool, error) {
	query := `
		INSERT INTO lesson_progress (user_id, lesson_id, status, started_at)
		VALUES ($1, $2, 'in_progress', $3)
		ON CONFLICT (user_id, lesson_id) DO NOTHING
		RETURNING id
	`

	if _, err := r.gw.InsertReturningID(ctx, query, studentID, lessonID, r.now().UTC()); err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark lesson in progress: %w", err)
	}
	return true, nil
}

// MarkCompleted moves the pair to completed. The conflict clause never
// touches a row that is already completed, so concurrent completions of
// the same pair transition it exactly once.
func (r *ProgressRepository) MarkCompleted(ctx context.Context, studentID, lessonID int64) (bool, error) {
	query := `
		INSERT INTO lesson_progress (user_id, lesson_id, status, started_at, completed_at)
		VALUES ($1, $2, 'completed', $3, $3)
		ON CONFLICT (user_id, lesson_id) DO UPDATE
			SET status = 'completed', completed_at = EXCLUDED.completed_at
			WHERE lesson_progress.status <> 'completed'
		RETURNING id
	`

	if _, err := r.gw.InsertReturningID(ctx, query, studentID, lessonID, r.now().UTC()); err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark lesson completed: %w", err)
	}
	return true, nil
}

// CountCompleted returns the number of completed lessons for a student.
func (r *ProgressRepository) CountCompleted(ctx context.Context, studentID int64) (int, error) {
	query := `SELECT COUNT(*) FROM lesson_progress WHERE user_id = $1 AND status = 'completed'`

	var n int
	if err := r.gw.QueryRow(ctx, query, studentID).Scan(&n); err != nil {
		if shared.IsUnavailable(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to count completed lessons: %w", err)
	}
	return n, nil
}

// FindUnrewardedCompletions lists completed pairs with no lesson_reward entry.
func (r *ProgressRepository) FindUnrewardedCompletions(ctx context.Context, limit int) ([]lesson.Progress, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT p.user_id, p.lesson_id, p.status, p.started_at, p.completed_at
		FROM lesson_progress p
		WHERE p.status = 'completed'
		  AND NOT EXISTS (
			SELECT 1 FROM xp_ledger l
			WHERE l.user_id = p.user_id
			  AND l.lesson_id = p.lesson_id
			  AND l.reason = 'lesson_reward'
		  )
		ORDER BY p.completed_at, p.id
		LIMIT $1
	`

	rows, err := r.gw.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unrewarded completions: %w", err)
	}
	defer rows.Close()

	var out []lesson.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProgress(row pgx.Row) (lesson.Progress, error) {
	var (
		p           lesson.Progress
		status      string
		startedAt   time.Time
		completedAt *time.Time
	)
	if err := row.Scan(&p.StudentID, &p.LessonID, &status, &startedAt, &completedAt); err != nil {
		if IsNoRows(err) || shared.IsUnavailable(err) {
			return lesson.Progress{}, err
		}
		return lesson.Progress{}, fmt.Errorf("failed to scan progress: %w", err)
	}

	st, err := lesson.ParseStatus(status)
	if err != nil {
		return lesson.Progress{}, err
	}
	p.Status = st
	p.StartedAt = &startedAt
	p.CompletedAt = completedAt
	return p, nil
}
