package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sorenmh/infrastructure-shared/mergebot/config"
	"github.com/sorenmh/infrastructure-shared/mergebot/db"
	"github.com/sorenmh/infrastructure-shared/mergebot/deploy"
	"github.com/sorenmh/infrastructure-shared/mergebot/models"
	"github.com/sorenmh/infrastructure-shared/mergebot/registry"
)

const Version = "1.0.0"

type Server struct {
	config      *config.Config
	db          *db.Database
	coordinator *deploy.Coordinator
	router      *gin.Engine
}

func NewServer(cfg *config.Config, database *db.Database, coordinator *deploy.Coordinator) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:      cfg,
		db:          database,
		coordinator: coordinator,
		router:      gin.Default(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check (no auth)
	s.router.GET("/health", s.handleHealth)

	// API routes (with auth)
	api := s.router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		api.POST("/command", s.handleCommand)
		api.POST("/event", s.handleEvent)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/history", s.handleHistory)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		if !s.config.ValidateAPIKey(parts[1]) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	dbOK := s.db.Ping() == nil

	status := "healthy"
	if !dbOK {
		status = "degraded"
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:             status,
		Version:            Version,
		DatabaseAccessible: dbOK,
	})
}

func (s *Server) handleCommand(c *gin.Context) {
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
			Time:    time.Now(),
		})
		return
	}

	if !strings.EqualFold(req.Command, "deploy") {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Unsupported command",
			Details: fmt.Sprintf("command %q is not supported", req.Command),
			Time:    time.Now(),
		})
		return
	}

	resp, err := s.coordinator.RequestDeploy(req.Deployable, req.Environment, req.RequesterID)
	if err != nil {
		s.writeCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// writeCommandError maps resolution failures to statuses. Unknown
// deployables and unknown environments look identical to unauthorized
// requesters on purpose: 404 either way.
func (s *Server) writeCommandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownDeployable),
		errors.Is(err, registry.ErrNoMatchingEnvironment),
		errors.Is(err, registry.ErrNotAuthorized):
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "deployable or environment not found",
			Time:  time.Now(),
		})
	case errors.Is(err, deploy.ErrSessionAlreadyInFlight):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "deploy already in flight",
			Details: err.Error(),
			Time:    time.Now(),
		})
	case errors.Is(err, registry.ErrNoApprovers):
		log.Printf("configuration error: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "deployable is misconfigured",
			Details: err.Error(),
			Time:    time.Now(),
		})
	default:
		log.Printf("command failed: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "failed to process command",
			Time:  time.Now(),
		})
	}
}

func (s *Server) handleEvent(c *gin.Context) {
	var req models.ApprovalEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
			Time:    time.Now(),
		})
		return
	}

	// The configured platform reaction (e.g. "+1") counts as approval;
	// every other reaction kind passes through and is ignored.
	kind := req.ReactionKind
	if kind == s.config.Slack.ApprovalReaction {
		kind = deploy.ReactionApprove
	}

	err := s.coordinator.HandleApprovalEvent(req.SessionID, req.UserID, kind)
	if err != nil {
		if errors.Is(err, deploy.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: "session not found",
				Time:  time.Now(),
			})
			return
		}
		log.Printf("event failed: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "failed to process event",
			Time:  time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.coordinator.Sessions()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")

	if view, ok := s.coordinator.Session(id); ok {
		c.JSON(http.StatusOK, view)
		return
	}

	// Terminal sessions are dropped from memory; check the archive.
	view, err := s.db.GetSession(id)
	if err != nil {
		log.Printf("Error reading session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) handleHistory(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "20")
	offsetStr := c.DefaultQuery("offset", "0")

	limit, _ := strconv.Atoi(limitStr)
	offset, _ := strconv.Atoi(offsetStr)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.db.GetSessions(limit, offset)
	if err != nil {
		log.Printf("Error listing history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	log.Printf("Starting server on %s", addr)
	return s.router.Run(addr)
}
