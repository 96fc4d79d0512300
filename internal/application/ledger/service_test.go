package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
	"github.com/eduplatform/xp-engine/internal/infrastructure/messaging"
	"github.com/eduplatform/xp-engine/internal/infrastructure/persistence/memory"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

type recorder struct {
	events []shared.Event
	err    error
}

func (r *recorder) Publish(ev shared.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) types() []shared.EventType {
	out := make([]shared.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

func setup(t *testing.T, xp int) (*Service, *memory.Store, *recorder) {
	t.Helper()
	store := memory.NewStore(leveling.Default())
	store.PutStudent(student.Student{ID: 1, Username: "aida", XP: xp, IsActive: true})
	store.PutStudent(student.Student{ID: 2, Username: "root", Role: student.RoleAdmin, IsActive: true})
	rec := &recorder{}
	return NewService(store.Students(), rec, nil), store, rec
}

func TestApplyXPDelta_LevelDerivation(t *testing.T) {
	svc, _, rec := setup(t, 45)
	ctx := context.Background()

	bal, err := svc.ApplyXPDelta(ctx, 1, 20, student.ReasonAdminGrant)
	require.NoError(t, err)
	assert.Equal(t, 65, bal.XP)
	assert.Equal(t, 1, bal.Level)
	assert.False(t, bal.LeveledUp())

	bal, err = svc.ApplyXPDelta(ctx, 1, 40, student.ReasonAdminGrant)
	require.NoError(t, err)
	assert.Equal(t, 105, bal.XP)
	assert.Equal(t, 2, bal.Level)
	assert.True(t, bal.LeveledUp())

	assert.Equal(t, []shared.EventType{
		shared.EventXPChanged,
		shared.EventXPChanged,
		shared.EventLevelUp,
	}, rec.types())
}

func TestApplyXPDelta_CrossesSeveralLevels(t *testing.T) {
	svc, store, _ := setup(t, 250)

	bal, err := svc.ApplyXPDelta(context.Background(), 1, 100, student.ReasonAdminGrant)
	require.NoError(t, err)
	assert.Equal(t, 350, bal.XP)
	assert.Equal(t, 4, bal.Level)
	assert.Equal(t, 3, bal.PreviousLevel)

	st, _ := store.Student(1)
	assert.Equal(t, 350, st.XP)
	assert.Equal(t, 4, st.Level)
}

func TestApplyXPDelta_FloorsAtZero(t *testing.T) {
	svc, store, _ := setup(t, 30)

	bal, err := svc.ApplyXPDelta(context.Background(), 1, -9999, student.ReasonAdminDeduct)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.XP)
	assert.Equal(t, 1, bal.Level)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, -9999, entries[0].DeltaRequested)
	assert.Equal(t, -30, entries[0].DeltaApplied)
}

func TestApplyXPDelta_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		studentID int64
		delta     int
		reason    student.Reason
		want      error
	}{
		{"zero delta", 1, 0, student.ReasonAdminGrant, shared.ErrZeroAdjustment},
		{"zero lesson delta", 1, 0, student.ReasonLessonReward, shared.ErrZeroAdjustment},
		{"grant with negative delta", 1, -5, student.ReasonAdminGrant, shared.ErrReasonSign},
		{"deduct with positive delta", 1, 5, student.ReasonAdminDeduct, shared.ErrReasonSign},
		{"unknown reason", 1, 5, student.Reason("bonus"), shared.ErrInvalidReason},
		{"unknown student", 99, 5, student.ReasonAdminGrant, shared.ErrStudentNotFound},
		{"admin account", 2, 5, student.ReasonAdminGrant, shared.ErrStudentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, rec := setup(t, 45)

			_, err := svc.ApplyXPDelta(context.Background(), tt.studentID, tt.delta, tt.reason)
			assert.ErrorIs(t, err, tt.want)

			st, _ := store.Student(1)
			assert.Equal(t, 45, st.XP)
			assert.Empty(t, store.Entries())
			assert.Empty(t, rec.events)
		})
	}
}

func TestApplyXPDelta_ZeroIsValidationError(t *testing.T) {
	svc, _, _ := setup(t, 45)

	_, err := svc.ApplyXPDelta(context.Background(), 1, 0, student.ReasonAdminGrant)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, "XP amount cannot be zero.", shared.UserMessage(err, ""))
}

func TestGrantLessonReward(t *testing.T) {
	svc, store, rec := setup(t, 95)

	bal, err := svc.GrantLessonReward(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 95, bal.XP)

	bal, err = svc.GrantLessonReward(context.Background(), 1, 11, 20)
	require.NoError(t, err)
	assert.Equal(t, 115, bal.XP)
	assert.True(t, bal.LeveledUp())

	_, err = svc.GrantLessonReward(context.Background(), 1, 11, 20)
	assert.ErrorIs(t, err, shared.ErrRewardGranted)

	entries := store.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].DeltaApplied)
	assert.EqualValues(t, 10, entries[0].LessonID)
	assert.Empty(t, rec.events, "reward events are published by the caller after commit")
}

func TestResetXP(t *testing.T) {
	svc, store, rec := setup(t, 350)

	bal, err := svc.ResetXP(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.XP)
	assert.Equal(t, 1, bal.Level)
	assert.Equal(t, 350, bal.PreviousXP)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, student.ReasonAdminReset, entries[0].Reason)
	assert.Equal(t, -350, entries[0].DeltaApplied)
	assert.Equal(t, []shared.EventType{shared.EventXPChanged}, rec.types())

	_, err = svc.ResetXP(context.Background(), 2)
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)

	_, err = svc.ResetXP(context.Background(), 0)
	assert.ErrorIs(t, err, shared.ErrInvalidStudentID)
}

func TestPublishFailureDoesNotFailTheChange(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := memory.NewStore(leveling.Default())
	store.PutStudent(student.Student{ID: 1, XP: 10, IsActive: true})
	svc := NewService(store.Students(), &recorder{err: errors.New("broker down")}, logger.NewWithCore(core))

	bal, err := svc.ApplyXPDelta(context.Background(), 1, 5, student.ReasonAdminGrant)
	require.NoError(t, err)
	assert.Equal(t, 15, bal.XP)
	assert.Equal(t, 1, logs.FilterMessage("failed to publish event").Len())
}

func TestEventsCarryRequestID(t *testing.T) {
	svc, _, rec := setup(t, 90)
	ctx := logger.ContextWithRequestID(context.Background(), "req-7")

	_, err := svc.ApplyXPDelta(ctx, 1, 10, student.ReasonAdminGrant)
	require.NoError(t, err)

	require.Len(t, rec.events, 2)
	up, ok := rec.events[1].(shared.LevelUpEvent)
	require.True(t, ok)
	assert.Equal(t, "req-7", up.CorrelationID)
	assert.Equal(t, 2, up.NewLevel)
}

func TestServiceWithInMemoryBus(t *testing.T) {
	store := memory.NewStore(leveling.Default())
	store.PutStudent(student.Student{ID: 1, XP: 99, IsActive: true})
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{})

	var levelUps []shared.LevelUpEvent
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(ev shared.Event) error {
		levelUps = append(levelUps, ev.(shared.LevelUpEvent))
		return nil
	}))

	svc := NewService(store.Students(), bus, nil)
	_, err := svc.ApplyXPDelta(context.Background(), 1, 1, student.ReasonAdminGrant)
	require.NoError(t, err)

	require.Len(t, levelUps, 1)
	assert.Equal(t, 2, levelUps[0].NewLevel)
}
