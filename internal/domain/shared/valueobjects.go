package shared

import (
	"math"
	"strconv"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// ParseStudentID parses a positive student identifier from its text form.
func ParseStudentID(raw string) (int64, error) {
	id, ok := parsePositive(raw)
	if !ok {
		return 0, ErrInvalidStudentID
	}
	return id, nil
}

// ParseLessonID parses a positive lesson identifier from its text form.
func ParseLessonID(raw string) (int64, error) {
	id, ok := parsePositive(raw)
	if !ok {
		return 0, ErrInvalidLessonID
	}
	return id, nil
}

func parsePositive(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XP represents experience points held by a student. It is never negative.
type XP int

const (
	// MinXP is the floor every balance is clamped to.
	MinXP XP = 0
	// MaxXP is the largest balance the store can hold.
	MaxXP XP = math.MaxInt32
)

// MaxAdjustment bounds a single XP change in either direction.
const MaxAdjustment = 1_000_000

// Int returns the underlying int value.
func (x XP) Int() int {
	return int(x)
}

// Add applies a signed delta and clamps the result to [MinXP, MaxXP].
func (x XP) Add(delta int) XP {
	switch {
	case delta > 0 && int(x) > int(MaxXP)-delta:
		return MaxXP
	case delta < 0 && int(x)+delta < int(MinXP):
		return MinXP
	}
	return XP(int(x) + delta)
}
