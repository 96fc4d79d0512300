package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE REWARDS COMMAND
// Grants the missing reward for completed lessons that never got one.
// Only an operator runs this; the engine never repairs on its own.
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileRewardsCommand repairs up to Limit unrewarded completions.
type ReconcileRewardsCommand struct {
	Limit int

	// Timeout bounds the whole run. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// ReconcileRewardsStats summarizes a repair run.
type ReconcileRewardsStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Found       int
	Repaired    int
	XPGranted   int
	Skipped     int
	Errors      []error
}

// ReconcileRewardsHandler handles the ReconcileRewardsCommand.
type ReconcileRewardsHandler struct {
	lessons  lesson.Repository
	progress lesson.ProgressRepository
	ledger   *ledger.Service
	log      *logger.Logger
}

// NewReconcileRewardsHandler creates a new ReconcileRewardsHandler.
func NewReconcileRewardsHandler(
	lessons lesson.Repository,
	progress lesson.ProgressRepository,
	ledgerSvc *ledger.Service,
	log *logger.Logger,
) *ReconcileRewardsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ReconcileRewardsHandler{
		lessons:  lessons,
		progress: progress,
		ledger:   ledgerSvc,
		log:      log.With(logger.Component("reconcile_rewards")),
	}
}

// Handle executes the reconcile command. A failure on one pair is recorded
// in the stats and does not stop the run.
func (h *ReconcileRewardsHandler) Handle(ctx context.Context, cmd ReconcileRewardsCommand) (*ReconcileRewardsStats, error) {
	stats := &ReconcileRewardsStats{StartedAt: time.Now()}
	defer func() {
		stats.CompletedAt = time.Now()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	}()

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	gaps, err := h.progress.FindUnrewardedCompletions(ctx, cmd.Limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	stats.Found = len(gaps)

	for _, p := range gaps {
		if err := ctx.Err(); err != nil {
			stats.Errors = append(stats.Errors, err)
			break
		}

		granted, err := h.repair(ctx, p)
		switch {
		case errors.Is(err, shared.ErrRewardGranted):
			stats.Skipped++
		case err != nil:
			stats.Errors = append(stats.Errors, fmt.Errorf("student %d lesson %d: %w", p.StudentID, p.LessonID, err))
			h.log.Error("reward repair failed",
				logger.StudentID(p.StudentID),
				logger.LessonID(p.LessonID),
				logger.Err(err),
			)
		default:
			stats.Repaired++
			stats.XPGranted += granted
		}
	}

	h.log.Info("reward reconciliation finished",
		logger.Int("found", stats.Found),
		logger.Int("repaired", stats.Repaired),
		logger.Int("skipped", stats.Skipped),
		logger.Int("errors", len(stats.Errors)),
	)
	return stats, nil
}

func (h *ReconcileRewardsHandler) repair(ctx context.Context, p lesson.Progress) (int, error) {
	l, err := h.lessons.GetByID(ctx, p.LessonID)
	if err != nil {
		return 0, err
	}

	bal, err := h.ledger.GrantLessonReward(ctx, p.StudentID, p.LessonID, l.Reward())
	if err != nil {
		return 0, err
	}

	h.log.Info("missing lesson reward granted",
		logger.StudentID(p.StudentID),
		logger.LessonID(p.LessonID),
		logger.XPAmount(bal.Applied()),
	)
	h.ledger.Publish(ctx, ledger.BalanceEvents(ctx, p.StudentID, bal, student.ReasonLessonReward, p.LessonID)...)
	return bal.Applied(), nil
}
