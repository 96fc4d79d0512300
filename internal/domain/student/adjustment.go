package student

import (
	"time"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

// Reason explains why an XP balance changed.
type Reason string

const (
	ReasonLessonReward Reason = "lesson_reward"
	ReasonAdminGrant   Reason = "admin_grant"
	ReasonAdminDeduct  Reason = "admin_deduct"
	ReasonAdminReset   Reason = "admin_reset"
)

// IsValid reports whether r is a known reason.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonLessonReward, ReasonAdminGrant, ReasonAdminDeduct, ReasonAdminReset:
		return true
	default:
		return false
	}
}

// String returns the stored form of the reason.
func (r Reason) String() string {
	return string(r)
}

// ReasonForAmount picks the admin reason matching the sign of amount.
func ReasonForAmount(amount int) Reason {
	if amount < 0 {
		return ReasonAdminDeduct
	}
	return ReasonAdminGrant
}

// Adjustment is one signed change to a student's balance.
type Adjustment struct {
	StudentID int64
	Delta     int
	Reason    Reason
	// LessonID is set for lesson_reward adjustments only.
	LessonID int64
}

// Validate checks the reason and that the sign of Delta agrees with it.
// Only a lesson_reward may carry a zero delta: a lesson worth 0 XP is still
// recorded so the completion has a matching ledger row.
func (a Adjustment) Validate() error {
	if a.StudentID <= 0 {
		return shared.ErrInvalidStudentID
	}
	if !a.Reason.IsValid() {
		return shared.ErrInvalidReason
	}
	if a.Delta > shared.MaxAdjustment || a.Delta < -shared.MaxAdjustment {
		return shared.ErrAmountOutOfRange
	}

	switch a.Reason {
	case ReasonLessonReward:
		if a.LessonID <= 0 {
			return shared.ErrInvalidLessonID
		}
		if a.Delta < 0 {
			return shared.ErrReasonSign
		}
	case ReasonAdminGrant:
		if a.Delta == 0 {
			return shared.ErrZeroAdjustment
		}
		if a.Delta < 0 {
			return shared.ErrReasonSign
		}
	case ReasonAdminDeduct:
		if a.Delta == 0 {
			return shared.ErrZeroAdjustment
		}
		if a.Delta > 0 {
			return shared.ErrReasonSign
		}
	case ReasonAdminReset:
		// Reset is not a delta; see Reset.
		return shared.ErrReasonSign
	}
	return nil
}

// Balance is the outcome of an adjustment.
type Balance struct {
	XP            int
	Level         int
	PreviousXP    int
	PreviousLevel int
}

// LeveledUp reports whether the change raised the level.
func (b Balance) LeveledUp() bool {
	return b.Level > b.PreviousLevel
}

// Applied returns the delta that actually reached the balance after clamping.
func (b Balance) Applied() int {
	return b.XP - b.PreviousXP
}

// Entry is one xp_ledger row.
type Entry struct {
	ID             string
	StudentID      int64
	LessonID       int64
	Reason         Reason
	DeltaRequested int
	DeltaApplied   int
	XPBefore       int
	XPAfter        int
	LevelBefore    int
	LevelAfter     int
	CreatedAt      time.Time
}

// Apply computes the new balance for s. XP is clamped to [MinXP, MaxXP] and
// the level re-derived from the result. The caller must hold the student's row lock.
func Apply(s *Student, adj Adjustment, policy leveling.Policy, now time.Time) (Balance, Entry) {
	newXP := shared.XP(s.XP).Add(adj.Delta).Int()
	b := Balance{
		XP:            newXP,
		Level:         policy.LevelForXP(newXP),
		PreviousXP:    s.XP,
		PreviousLevel: s.Level,
	}
	return b, newEntry(s.ID, adj.LessonID, adj.Reason, adj.Delta, b, now)
}

// Reset computes the balance for an admin reset: XP 0, level 1, whatever
// the current balance is.
func Reset(s *Student, policy leveling.Policy, now time.Time) (Balance, Entry) {
	b := Balance{
		XP:            0,
		Level:         policy.LevelForXP(0),
		PreviousXP:    s.XP,
		PreviousLevel: s.Level,
	}
	return b, newEntry(s.ID, 0, ReasonAdminReset, -s.XP, b, now)
}

func newEntry(studentID, lessonID int64, reason Reason, requested int, b Balance, now time.Time) Entry {
	return Entry{
		StudentID:      studentID,
		LessonID:       lessonID,
		Reason:         reason,
		DeltaRequested: requested,
		DeltaApplied:   b.Applied(),
		XPBefore:       b.PreviousXP,
		XPAfter:        b.XP,
		LevelBefore:    b.PreviousLevel,
		LevelAfter:     b.Level,
		CreatedAt:      now.UTC(),
	}
}
