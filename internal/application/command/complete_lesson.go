package command

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
	"github.com/eduplatform/xp-engine/internal/observability"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE LESSON COMMAND
// Marks a lesson completed and grants its XP reward in one transaction.
// Completing the same lesson again succeeds with no effect.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteLessonCommand marks a lesson completed for a student.
type CompleteLessonCommand struct {
	StudentID int64
	LessonID  int64
}

// Validate validates the command.
func (c CompleteLessonCommand) Validate() error {
	return ViewLessonCommand(c).Validate()
}

// CompleteLessonResult contains the outcome of a completion.
type CompleteLessonResult struct {
	// XPGranted is the reward credited by this call; 0 on a repeat.
	XPGranted int
	NewXP     int
	NewLevel  int
	LeveledUp bool

	// AlreadyCompleted is true when the lesson was completed before this call.
	AlreadyCompleted bool

	// Unreconciled is true when the lesson is completed but no reward was
	// ever recorded for it. The repair is an explicit operator action.
	Unreconciled bool
}

// CompleteLessonHandler handles the CompleteLessonCommand.
type CompleteLessonHandler struct {
	tx       shared.Transactor
	students student.Repository
	lessons  lesson.Repository
	progress lesson.ProgressRepository
	rewards  student.LedgerRepository
	ledger   *ledger.Service
	log      *logger.Logger
}

// CompleteLessonDeps groups the handler's collaborators.
type CompleteLessonDeps struct {
	Tx       shared.Transactor
	Students student.Repository
	Lessons  lesson.Repository
	Progress lesson.ProgressRepository
	Rewards  student.LedgerRepository
	Ledger   *ledger.Service
	Logger   *logger.Logger
}

// NewCompleteLessonHandler creates a new CompleteLessonHandler.
func NewCompleteLessonHandler(deps CompleteLessonDeps) *CompleteLessonHandler {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &CompleteLessonHandler{
		tx:       deps.Tx,
		students: deps.Students,
		lessons:  deps.Lessons,
		progress: deps.Progress,
		rewards:  deps.Rewards,
		ledger:   deps.Ledger,
		log:      deps.Logger.With(logger.Component("complete_lesson")),
	}
}

// Handle executes the complete lesson command.
func (h *CompleteLessonHandler) Handle(ctx context.Context, cmd CompleteLessonCommand) (*CompleteLessonResult, error) {
	ctx, span := observability.StartSpan(ctx, "CompleteLesson",
		attribute.Int64("student_id", cmd.StudentID),
		attribute.Int64("lesson_id", cmd.LessonID),
	)
	result, err := h.handle(ctx, cmd)
	if result != nil {
		span.SetAttributes(attribute.Int("xp_granted", result.XPGranted))
	}
	observability.EndSpan(span, err)
	return result, err
}

func (h *CompleteLessonHandler) handle(ctx context.Context, cmd CompleteLessonCommand) (*CompleteLessonResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	l, err := loadVisibleLesson(ctx, h.lessons, cmd.LessonID)
	if err != nil {
		return nil, err
	}
	if _, err := loadLearner(ctx, h.students, cmd.StudentID); err != nil {
		return nil, err
	}

	var (
		result  CompleteLessonResult
		balance student.Balance
	)
	err = h.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := h.progress.GetForUpdate(ctx, cmd.StudentID, cmd.LessonID)
		if err != nil {
			return err
		}

		changed := false
		if p.Status != lesson.Completed {
			changed, err = h.progress.MarkCompleted(ctx, cmd.StudentID, cmd.LessonID)
			if err != nil {
				return err
			}
		}
		if !changed {
			return h.describeRepeat(ctx, cmd, &result)
		}

		balance, err = h.ledger.GrantLessonReward(ctx, cmd.StudentID, cmd.LessonID, l.Reward())
		if err != nil {
			return err
		}
		result.XPGranted = balance.Applied()
		result.NewXP = balance.XP
		result.NewLevel = balance.Level
		result.LeveledUp = balance.LeveledUp()
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrRewardGranted) {
			// A reward row without a completed progress row; the
			// transaction rolled back so nothing changed.
			h.log.Warn("lesson reward exists for an incomplete lesson",
				logger.StudentID(cmd.StudentID), logger.LessonID(cmd.LessonID))
		}
		return nil, fmt.Errorf("complete_lesson: %w", err)
	}

	if result.Unreconciled {
		h.log.Warn("completed lesson has no reward entry",
			logger.StudentID(cmd.StudentID),
			logger.LessonID(cmd.LessonID),
		)
	}

	if !result.AlreadyCompleted {
		done := shared.NewLessonCompletedEvent(cmd.StudentID, cmd.LessonID, result.XPGranted)
		done.BaseEvent = ledger.Correlate(ctx, done.BaseEvent)
		events := append([]shared.Event{done},
			ledger.BalanceEvents(ctx, cmd.StudentID, balance, student.ReasonLessonReward, cmd.LessonID)...)
		h.ledger.Publish(ctx, events...)
	}

	return &result, nil
}

// describeRepeat fills the result for a lesson that was already completed.
func (h *CompleteLessonHandler) describeRepeat(ctx context.Context, cmd CompleteLessonCommand, result *CompleteLessonResult) error {
	st, err := h.students.GetByID(ctx, cmd.StudentID)
	if err != nil {
		return err
	}
	rewarded, err := h.rewards.HasLessonReward(ctx, cmd.StudentID, cmd.LessonID)
	if err != nil {
		return err
	}

	result.AlreadyCompleted = true
	result.NewXP = st.XP
	result.NewLevel = st.Level
	result.Unreconciled = !rewarded
	return nil
}
