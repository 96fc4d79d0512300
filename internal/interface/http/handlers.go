package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eduplatform/xp-engine/internal/application/command"
	"github.com/eduplatform/xp-engine/internal/application/query"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.Uptime().String(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Health == nil {
		s.respond(c, http.StatusOK, gin.H{"ready": true})
		return
	}

	status := s.deps.Health.Check(c.Request.Context())
	if !status.Ready {
		c.JSON(http.StatusServiceUnavailable, JSONResponse{
			Success: false,
			Data:    status,
			Error:   &APIError{Code: "not_ready", Message: status.Message},
			Meta:    s.meta(c),
		})
		return
	}
	s.respond(c, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// ViewLessonResponse is returned by the view endpoint.
type ViewLessonResponse struct {
	Status  string `json:"status"`
	Started bool   `json:"started"`
}

// CompleteLessonResponse is returned by the complete endpoint.
type CompleteLessonResponse struct {
	XPGranted        int  `json:"xp_granted"`
	XP               int  `json:"xp_points"`
	Level            int  `json:"level"`
	LeveledUp        bool `json:"leveled_up"`
	AlreadyCompleted bool `json:"already_completed"`
	Unreconciled     bool `json:"unreconciled,omitempty"`
}

func lessonPair(c *gin.Context) (int64, int64, error) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		return 0, 0, err
	}
	lessonID, err := shared.ParseLessonID(c.Param("lessonID"))
	if err != nil {
		return 0, 0, err
	}
	return studentID, lessonID, nil
}

func (s *Server) handleViewLesson(c *gin.Context) {
	studentID, lessonID, err := lessonPair(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	res, err := s.deps.ViewLesson.Handle(c.Request.Context(),
		command.ViewLessonCommand{StudentID: studentID, LessonID: lessonID})
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.respond(c, http.StatusOK, ViewLessonResponse{Status: res.Status.String(), Started: res.Started})
}

func (s *Server) handleCompleteLesson(c *gin.Context) {
	studentID, lessonID, err := lessonPair(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	res, err := s.deps.CompleteLesson.Handle(c.Request.Context(),
		command.CompleteLessonCommand{StudentID: studentID, LessonID: lessonID})
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.respond(c, http.StatusOK, CompleteLessonResponse{
		XPGranted:        res.XPGranted,
		XP:               res.NewXP,
		Level:            res.NewLevel,
		LeveledUp:        res.LeveledUp,
		AlreadyCompleted: res.AlreadyCompleted,
		Unreconciled:     res.Unreconciled,
	})
}

func (s *Server) handleLessonProgress(c *gin.Context) {
	studentID, lessonID, err := lessonPair(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	dto, err := s.deps.LessonProgress.Handle(c.Request.Context(),
		query.GetLessonProgressQuery{StudentID: studentID, LessonID: lessonID})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respond(c, http.StatusOK, dto)
}

func (s *Server) handleXPSummary(c *gin.Context) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	dto, err := s.deps.XPSummary.Handle(c.Request.Context(), query.GetXPSummaryQuery{StudentID: studentID})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respond(c, http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

// AdminAddXPRequest is the body of the add XP endpoint.
type AdminAddXPRequest struct {
	Amount *int `json:"amount"`
}

// AdminResetXPRequest is the body of the reset endpoint.
type AdminResetXPRequest struct {
	Confirm bool `json:"confirm"`
}

// AdminXPResponse is the balance after an admin change.
type AdminXPResponse struct {
	XP      int    `json:"xp_points"`
	Level   int    `json:"level"`
	Message string `json:"message"`
}

// AdminToggleResponse is the active flag after a toggle.
type AdminToggleResponse struct {
	IsActive bool   `json:"is_active"`
	Message  string `json:"message"`
}

var errAmountRequired = shared.Validation("http", "AdminAddXP", "XP amount is required.")

func (s *Server) handleAdminAddXP(c *gin.Context) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	var req AdminAddXPRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == nil {
		s.respondError(c, errAmountRequired)
		return
	}

	s.adminXP(c, func(ctx context.Context) (*command.AdminXPResult, error) {
		return s.deps.AdminXP.AdminAddXP(ctx, command.AdminAddXPCommand{StudentID: studentID, Amount: *req.Amount})
	})
}

func (s *Server) handleAdminResetXP(c *gin.Context) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	var req AdminResetXPRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, shared.Validation("http", "AdminResetXP", "Invalid request body."))
			return
		}
	}

	s.adminXP(c, func(ctx context.Context) (*command.AdminXPResult, error) {
		return s.deps.AdminXP.AdminResetXP(ctx, command.AdminResetXPCommand{StudentID: studentID, Confirmed: req.Confirm})
	})
}

func (s *Server) adminXP(c *gin.Context, run func(ctx context.Context) (*command.AdminXPResult, error)) {
	res, err := run(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respond(c, http.StatusOK, AdminXPResponse{XP: res.NewXP, Level: res.NewLevel, Message: res.Message})
}

func (s *Server) handleAdminToggleActive(c *gin.Context) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	res, err := s.deps.AdminXP.AdminToggleActive(c.Request.Context(), studentID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respond(c, http.StatusOK, AdminToggleResponse{IsActive: res.Active, Message: res.Message})
}

func (s *Server) handleAdminGetStudent(c *gin.Context) {
	studentID, err := shared.ParseStudentID(c.Param("studentID"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	dto, err := s.deps.AdminStudent.Handle(c.Request.Context(), query.AdminGetStudentQuery{
		StudentID:    studentID,
		HistoryLimit: queryInt(c, "history", 10),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respond(c, http.StatusOK, dto)
}

func (s *Server) handleReconciliation(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	if limit <= 0 || limit > 1000 {
		s.respondError(c, shared.Validation("http", "Reconciliation", "limit must be between 1 and 1000"))
		return
	}

	dto, err := s.deps.Reconciliation.Handle(c.Request.Context(), query.ReconciliationReportQuery{Limit: limit})
	if err != nil {
		s.respondError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Debug("reconciliation report served", logger.Int("count", dto.Count))
	s.respond(c, http.StatusOK, dto)
}
