// Package http exposes the XP engine over a JSON REST API built on gin.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/eduplatform/xp-engine/internal/application/command"
	"github.com/eduplatform/xp-engine/internal/application/query"
	"github.com/eduplatform/xp-engine/internal/interface/http/handlers"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// AllowedOrigins - allowed origins for CORS. Empty disables CORS.
	AllowedOrigins []string

	// AdminKeyHash - bcrypt hash of the X-Admin-Key value.
	// Admin routes answer 403 while it is empty.
	AdminKeyHash string

	// ServiceName - span name prefix for tracing.
	ServiceName string

	// Version - reported in response meta and /ready.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ServiceName:    "xp-engine",
		Version:        "v1",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Commands
	ViewLesson     *command.ViewLessonHandler
	CompleteLesson *command.CompleteLessonHandler
	AdminXP        *command.AdminXPHandler

	// Queries
	XPSummary      *query.GetXPSummaryHandler
	LessonProgress *query.GetLessonProgressHandler
	AdminStudent   *query.AdminGetStudentHandler
	Reconciliation *query.ReconciliationReportHandler

	Logger *logger.Logger

	// Health is consulted by /ready. Nil means always ready.
	Health *handlers.HealthChecker
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Default()
	}

	s.engine = gin.New()
	s.engine.Use(
		otelgin.Middleware(config.ServiceName),
		s.requestIDMiddleware(),
		s.loggingMiddleware(),
		s.recoveryMiddleware(),
	)
	if len(config.AllowedOrigins) > 0 {
		s.engine.Use(corsMiddleware(config.AllowedOrigins))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	s.engine.NoRoute(func(c *gin.Context) {
		s.abort(c, http.StatusNotFound, "not_found", "Route not found.")
	})

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)

	api := s.engine.Group("/api/v1")

	lessons := api.Group("/students/:studentID/lessons/:lessonID")
	lessons.POST("/view", s.handleViewLesson)
	lessons.POST("/complete", s.handleCompleteLesson)
	lessons.GET("/progress", s.handleLessonProgress)

	api.GET("/students/:studentID/xp", s.handleXPSummary)

	admin := api.Group("/admin", handlers.AdminKeyAuth(s.config.AdminKeyHash, s.abort))
	admin.GET("/students/:studentID", s.handleAdminGetStudent)
	admin.POST("/students/:studentID/xp", s.handleAdminAddXP)
	admin.POST("/students/:studentID/xp/reset", s.handleAdminResetXP)
	admin.POST("/students/:studentID/toggle-active", s.handleAdminToggleActive)
	admin.GET("/reconciliation", s.handleReconciliation)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}
