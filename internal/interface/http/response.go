package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (s *Server) meta(c *gin.Context) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().UTC(),
		Version:   s.config.Version,
		RequestID: logger.RequestIDFromContext(c.Request.Context()),
	}
}

func (s *Server) respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, JSONResponse{Success: true, Data: data, Meta: s.meta(c)})
}

// abort writes an error envelope and stops the handler chain.
func (s *Server) abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
		Meta:    s.meta(c),
	})
}

// respondError maps a domain error to a status code. Only the caller-safe
// message is written; the full error is logged for 5xx.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case shared.IsValidation(err):
		s.abort(c, http.StatusBadRequest, "validation_error", shared.UserMessage(err, "Invalid request."))
	case shared.IsNotFound(err):
		s.abort(c, http.StatusNotFound, "not_found", shared.UserMessage(err, "Not found."))
	case shared.IsForbidden(err):
		s.abort(c, http.StatusForbidden, "forbidden", shared.UserMessage(err, "Forbidden."))
	case shared.IsStateConflict(err), shared.IsAlreadyExists(err):
		s.abort(c, http.StatusConflict, "conflict", shared.UserMessage(err, "Conflict."))
	case shared.IsUnavailable(err):
		s.abort(c, http.StatusServiceUnavailable, "service_unavailable", shared.ErrStoreUnavailable.Message)
	default:
		logger.FromContext(c.Request.Context()).Error("request failed", logger.Err(err))
		s.abort(c, http.StatusInternalServerError, "internal_error", "Internal server error.")
	}
}

func queryInt(c *gin.Context, key string, defaultValue int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return defaultValue
	}
	return v
}
