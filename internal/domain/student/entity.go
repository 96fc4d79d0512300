package student

import (
	"github.com/eduplatform/xp-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Role is the account role stored on the user row.
type Role string

const (
	// RoleStudent is the only role that holds an XP balance.
	RoleStudent Role = "student"
	// RoleAdmin marks staff accounts.
	RoleAdmin Role = "admin"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleStudent || r == RoleAdmin
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Student is a learner account. The engine writes only XP, Level and IsActive.
type Student struct {
	ID       int64
	Username string
	FullName string
	Role     Role
	XP       int
	Level    int
	IsActive bool
}

// IsStudent reports whether the account carries an XP balance.
func (s *Student) IsStudent() bool {
	return s != nil && s.Role == RoleStudent
}

// CanLearn returns ErrStudentNotActive for banned accounts.
func (s *Student) CanLearn() error {
	if !s.IsActive {
		return shared.ErrStudentNotActive
	}
	return nil
}

// Balance returns the current balance with no pending change.
func (s *Student) Balance() Balance {
	return Balance{
		XP:            s.XP,
		Level:         s.Level,
		PreviousXP:    s.XP,
		PreviousLevel: s.Level,
	}
}
