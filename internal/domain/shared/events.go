package shared

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each one is published after the change it describes
// has been committed.
const (
	// Progress events
	EventXPChanged       EventType = "progress.xp_changed"
	EventLevelUp         EventType = "progress.level_up"
	EventLessonStarted   EventType = "progress.lesson_started"
	EventLessonCompleted EventType = "progress.lesson_completed"

	// Admin events
	EventStudentActiveToggled EventType = "student.active_toggled"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event for a student aggregate.
func NewBaseEvent(eventType EventType, studentID int64) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: strconv.FormatInt(studentID, 10),
		Version:     1,
	}
}

// Correlation returns the correlation ID, usually the originating request id.
func (e BaseEvent) Correlation() string {
	return e.CorrelationID
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPChangedEvent is emitted after a committed XP balance change.
type XPChangedEvent struct {
	BaseEvent
	StudentID  int64  `json:"student_id"`
	Delta      int    `json:"delta"`
	PreviousXP int    `json:"previous_xp"`
	NewXP      int    `json:"new_xp"`
	Level      int    `json:"level"`
	Reason     string `json:"reason"`
	LessonID   int64  `json:"lesson_id,omitempty"`
}

// Payload implements Event interface.
func (e XPChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":  e.StudentID,
		"delta":       e.Delta,
		"previous_xp": e.PreviousXP,
		"new_xp":      e.NewXP,
		"level":       e.Level,
		"reason":      e.Reason,
		"lesson_id":   e.LessonID,
	}
}

// NewXPChangedEvent creates a new XPChangedEvent.
func NewXPChangedEvent(studentID int64, previousXP, newXP, level int, reason string, lessonID int64) XPChangedEvent {
	return XPChangedEvent{
		BaseEvent:  NewBaseEvent(EventXPChanged, studentID),
		StudentID:  studentID,
		Delta:      newXP - previousXP,
		PreviousXP: previousXP,
		NewXP:      newXP,
		Level:      level,
		Reason:     reason,
		LessonID:   lessonID,
	}
}

// LevelUpEvent is emitted when a committed change raised the student's level.
// The UI uses it to trigger the level-up celebration.
type LevelUpEvent struct {
	BaseEvent
	StudentID     int64 `json:"student_id"`
	PreviousLevel int   `json:"previous_level"`
	NewLevel      int   `json:"new_level"`
	XP            int   `json:"xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":     e.StudentID,
		"previous_level": e.PreviousLevel,
		"new_level":      e.NewLevel,
		"xp":             e.XP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(studentID int64, previousLevel, newLevel, xp int) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent:     NewBaseEvent(EventLevelUp, studentID),
		StudentID:     studentID,
		PreviousLevel: previousLevel,
		NewLevel:      newLevel,
		XP:            xp,
	}
}

// LessonProgressEvent is emitted when a lesson is first started or completed.
type LessonProgressEvent struct {
	BaseEvent
	StudentID int64 `json:"student_id"`
	LessonID  int64 `json:"lesson_id"`
	XPGranted int   `json:"xp_granted"`
}

// Payload implements Event interface.
func (e LessonProgressEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"lesson_id":  e.LessonID,
		"xp_granted": e.XPGranted,
	}
}

// NewLessonStartedEvent creates the event for a first lesson view.
func NewLessonStartedEvent(studentID, lessonID int64) LessonProgressEvent {
	return LessonProgressEvent{
		BaseEvent: NewBaseEvent(EventLessonStarted, studentID),
		StudentID: studentID,
		LessonID:  lessonID,
	}
}

// NewLessonCompletedEvent creates the event for a lesson completion.
func NewLessonCompletedEvent(studentID, lessonID int64, xpGranted int) LessonProgressEvent {
	return LessonProgressEvent{
		BaseEvent: NewBaseEvent(EventLessonCompleted, studentID),
		StudentID: studentID,
		LessonID:  lessonID,
		XPGranted: xpGranted,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Admin Events
// ═══════════════════════════════════════════════════════════════════════════

// StudentActiveToggledEvent is emitted when an admin bans or reinstates a student.
type StudentActiveToggledEvent struct {
	BaseEvent
	StudentID int64 `json:"student_id"`
	Active    bool  `json:"active"`
}

// Payload implements Event interface.
func (e StudentActiveToggledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"active":     e.Active,
	}
}

// NewStudentActiveToggledEvent creates a new StudentActiveToggledEvent.
func NewStudentActiveToggledEvent(studentID int64, active bool) StudentActiveToggledEvent {
	return StudentActiveToggledEvent{
		BaseEvent: NewBaseEvent(EventStudentActiveToggled, studentID),
		StudentID: studentID,
		Active:    active,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
