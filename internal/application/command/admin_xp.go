package command

import (
	"context"
	"fmt"

	"github.com/eduplatform/xp-engine/internal/application/ledger"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN XP COMMANDS
// Manual adjustments from the admin panel. They apply to inactive students
// too, but never to non-student accounts.
// ══════════════════════════════════════════════════════════════════════════════

// AdminAddXPCommand adds a signed amount of XP.
type AdminAddXPCommand struct {
	StudentID int64
	Amount    int
}

// Validate validates the command.
func (c AdminAddXPCommand) Validate() error {
	if c.StudentID <= 0 {
		return shared.ErrInvalidStudentID
	}
	if c.Amount == 0 {
		return shared.ErrZeroAdjustment
	}
	if c.Amount > shared.MaxAdjustment || c.Amount < -shared.MaxAdjustment {
		return shared.ErrAmountOutOfRange
	}
	return nil
}

// AdminResetXPCommand resets a balance. Confirmed carries the operator's
// explicit confirmation and must be true.
type AdminResetXPCommand struct {
	StudentID int64
	Confirmed bool
}

// Validate validates the command.
func (c AdminResetXPCommand) Validate() error {
	if c.StudentID <= 0 {
		return shared.ErrInvalidStudentID
	}
	if !c.Confirmed {
		return shared.ErrResetNotConfirmed
	}
	return nil
}

// AdminXPResult is the balance after an admin adjustment.
type AdminXPResult struct {
	NewXP    int
	NewLevel int
	Message  string
}

// AdminToggleResult is the active flag after a toggle.
type AdminToggleResult struct {
	Active  bool
	Message string
}

// AdminXPHandler handles admin XP commands.
type AdminXPHandler struct {
	students student.Repository
	ledger   *ledger.Service
	log      *logger.Logger
}

// NewAdminXPHandler creates a new AdminXPHandler.
func NewAdminXPHandler(students student.Repository, ledgerSvc *ledger.Service, log *logger.Logger) *AdminXPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AdminXPHandler{
		students: students,
		ledger:   ledgerSvc,
		log:      log.With(logger.Component("admin_xp")),
	}
}

// AdminAddXP applies a grant (positive) or deduction (negative).
func (h *AdminXPHandler) AdminAddXP(ctx context.Context, cmd AdminAddXPCommand) (*AdminXPResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	bal, err := h.ledger.ApplyXPDelta(ctx, cmd.StudentID, cmd.Amount, student.ReasonForAmount(cmd.Amount))
	if err != nil {
		return nil, err
	}

	return &AdminXPResult{
		NewXP:    bal.XP,
		NewLevel: bal.Level,
		Message:  fmt.Sprintf("%+d XP applied. New total: %d XP.", cmd.Amount, bal.XP),
	}, nil
}

// AdminResetXP sets the balance to 0 XP, level 1.
func (h *AdminXPHandler) AdminResetXP(ctx context.Context, cmd AdminResetXPCommand) (*AdminXPResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	bal, err := h.ledger.ResetXP(ctx, cmd.StudentID)
	if err != nil {
		return nil, err
	}

	return &AdminXPResult{
		NewXP:    bal.XP,
		NewLevel: bal.Level,
		Message:  "XP reset to 0.",
	}, nil
}

// AdminToggleActive bans an active student or reinstates a banned one.
func (h *AdminXPHandler) AdminToggleActive(ctx context.Context, studentID int64) (*AdminToggleResult, error) {
	if studentID <= 0 {
		return nil, shared.ErrInvalidStudentID
	}

	active, err := h.students.ToggleActive(ctx, studentID)
	if err != nil {
		return nil, err
	}

	h.log.Info("student active flag toggled",
		logger.StudentID(studentID),
		logger.Bool("active", active),
	)

	ev := shared.NewStudentActiveToggledEvent(studentID, active)
	ev.BaseEvent = ledger.Correlate(ctx, ev.BaseEvent)
	h.ledger.Publish(ctx, ev)

	msg := "Account banned."
	if active {
		msg = "Account activated."
	}
	return &AdminToggleResult{Active: active, Message: msg}, nil
}
