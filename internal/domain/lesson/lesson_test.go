package lesson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, NotStarted.CanTransitionTo(InProgress))
	assert.True(t, NotStarted.CanTransitionTo(Completed))
	assert.True(t, InProgress.CanTransitionTo(Completed))

	assert.False(t, InProgress.CanTransitionTo(InProgress))
	assert.False(t, InProgress.CanTransitionTo(NotStarted))
	assert.False(t, Completed.CanTransitionTo(InProgress))
	assert.False(t, Completed.CanTransitionTo(Completed))
	assert.False(t, Completed.CanTransitionTo(NotStarted))
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{NotStarted, InProgress, Completed} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, NotStarted, got)

	_, err = ParseStatus("paused")
	assert.ErrorIs(t, err, shared.ErrInvalidProgressState)
}

func TestProgress_Transition(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := Progress{StudentID: 1, LessonID: 2}

	require.NoError(t, p.Transition(InProgress, now))
	assert.Equal(t, InProgress, p.Status)
	require.NotNil(t, p.StartedAt)
	assert.Nil(t, p.CompletedAt)

	later := now.Add(time.Hour)
	require.NoError(t, p.Transition(Completed, later))
	assert.Equal(t, now, *p.StartedAt)
	assert.Equal(t, later, *p.CompletedAt)

	err := p.Transition(InProgress, later)
	assert.ErrorIs(t, err, shared.ErrStateTransition)
	assert.Equal(t, Completed, p.Status)
}

func TestLesson_Visible(t *testing.T) {
	assert.True(t, (&Lesson{IsPublished: true}).Visible())
	assert.False(t, (&Lesson{}).Visible())

	var l *Lesson
	assert.False(t, l.Visible())
}
