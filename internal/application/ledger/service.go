// Package ledger owns every change to a student's XP balance. Callers never
// write XP directly; they go through Service, which validates the change,
// has the repository apply it atomically and announces the result.
package ledger

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
	"github.com/eduplatform/xp-engine/internal/observability"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// Service applies XP adjustments.
type Service struct {
	students  student.Repository
	publisher shared.EventPublisher
	log       *logger.Logger
}

// NewService creates a new ledger Service. publisher may be nil.
func NewService(students student.Repository, publisher shared.EventPublisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		students:  students,
		publisher: publisher,
		log:       log.With(logger.Component("xp_ledger")),
	}
}

// ApplyXPDelta adds delta (signed, non-zero) to the student's balance.
// XP never drops below zero and the level is re-derived from the result.
func (s *Service) ApplyXPDelta(ctx context.Context, studentID int64, delta int, reason student.Reason) (student.Balance, error) {
	if delta == 0 {
		return student.Balance{}, shared.ErrZeroAdjustment
	}

	adj := student.Adjustment{StudentID: studentID, Delta: delta, Reason: reason}
	bal, err := s.apply(ctx, adj)
	if err != nil {
		return student.Balance{}, err
	}

	s.Publish(ctx, BalanceEvents(ctx, studentID, bal, reason, 0)...)
	return bal, nil
}

// GrantLessonReward records the reward for a lesson the student just
// completed. A reward of 0 is recorded too. It joins the transaction carried
// by ctx and does not publish: the caller publishes BalanceEvents once its
// transaction has committed.
func (s *Service) GrantLessonReward(ctx context.Context, studentID, lessonID int64, reward int) (student.Balance, error) {
	return s.apply(ctx, student.Adjustment{
		StudentID: studentID,
		LessonID:  lessonID,
		Delta:     reward,
		Reason:    student.ReasonLessonReward,
	})
}

// ResetXP sets the balance to 0 XP, level 1.
func (s *Service) ResetXP(ctx context.Context, studentID int64) (student.Balance, error) {
	if studentID <= 0 {
		return student.Balance{}, shared.ErrInvalidStudentID
	}

	bal, err := s.students.ResetXP(ctx, studentID)
	if err != nil {
		return student.Balance{}, err
	}

	s.logger(ctx).Info("xp reset",
		logger.StudentID(studentID),
		logger.Int("previous_xp", bal.PreviousXP),
	)
	s.Publish(ctx, BalanceEvents(ctx, studentID, bal, student.ReasonAdminReset, 0)...)
	return bal, nil
}

func (s *Service) apply(ctx context.Context, adj student.Adjustment) (student.Balance, error) {
	if err := adj.Validate(); err != nil {
		return student.Balance{}, err
	}

	ctx, span := observability.StartSpan(ctx, "ledger.ApplyAdjustment",
		attribute.Int64("student_id", adj.StudentID),
		attribute.String("reason", adj.Reason.String()),
	)
	bal, err := s.students.ApplyAdjustment(ctx, adj)
	observability.EndSpan(span, err)
	if err != nil {
		return student.Balance{}, err
	}

	s.logger(ctx).Info("xp adjusted",
		logger.StudentID(adj.StudentID),
		logger.Reason(adj.Reason.String()),
		logger.XPAmount(bal.Applied()),
		logger.Int("xp", bal.XP),
		logger.XPLevel(bal.Level),
	)
	return bal, nil
}

// Publish hands events to the publisher. Failures are logged and dropped:
// the change they describe is already committed.
func (s *Service) Publish(ctx context.Context, events ...shared.Event) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(ev); err != nil {
			s.logger(ctx).Warn("failed to publish event",
				logger.String("event_type", string(ev.EventType())),
				logger.Err(err),
			)
		}
	}
}

func (s *Service) logger(ctx context.Context) *logger.Logger {
	if id := logger.RequestIDFromContext(ctx); id != "" {
		return s.log.WithRequestID(id)
	}
	return s.log
}

// BalanceEvents returns the events describing a committed balance change:
// xp_changed, plus level_up when the level rose.
func BalanceEvents(ctx context.Context, studentID int64, bal student.Balance, reason student.Reason, lessonID int64) []shared.Event {
	changed := shared.NewXPChangedEvent(studentID, bal.PreviousXP, bal.XP, bal.Level, reason.String(), lessonID)
	changed.BaseEvent = Correlate(ctx, changed.BaseEvent)
	events := []shared.Event{changed}

	if bal.LeveledUp() {
		up := shared.NewLevelUpEvent(studentID, bal.PreviousLevel, bal.Level, bal.XP)
		up.BaseEvent = Correlate(ctx, up.BaseEvent)
		events = append(events, up)
	}
	return events
}

// Correlate tags an event with the request id carried by ctx.
func Correlate(ctx context.Context, base shared.BaseEvent) shared.BaseEvent {
	if id := logger.RequestIDFromContext(ctx); id != "" {
		return base.WithCorrelationID(id)
	}
	return base
}
