// Package api exposes the HTTP surface: thread CRUD, the SSE run stream,
// tool approval, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/pkg/agent"
	"github.com/xiaomayi-ant/smart-agent/pkg/config"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/threads"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

// ThreadStore is the persistence surface the handlers need.
// *threads.Store implements it.
type ThreadStore interface {
	EnsureThread(ctx context.Context, threadID, userID string) error
	GetThreadOwner(ctx context.Context, threadID string) (string, error)
	InsertMessage(ctx context.Context, threadID, userID, role string, content json.RawMessage) error
	LoadMessages(ctx context.Context, threadID, userID string) ([]threads.Message, error)
	DeleteThread(ctx context.Context, threadID, userID string) error
}

// Runner executes one graph run to completion.
// *graph.Engine[agent.TurnState] implements it.
type Runner interface {
	Invoke(ctx context.Context, initial agent.TurnState, cfg graph.Config) (agent.TurnState, error)
}

// Server wires the HTTP routes to the graph runtime.
type Server struct {
	cfg    *config.Settings
	store  ThreadStore
	runner Runner
	events *stream.Registry
	tools  *tools.Registry
	logger *slog.Logger
}

// NewServer creates the server. events must be the same registry the
// agent's nodes push through.
func NewServer(cfg *config.Settings, store ThreadStore, runner Runner, events *stream.Registry, registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		runner: runner,
		events: events,
		tools:  registry,
		logger: logger,
	}
}

// Routes builds the gin engine with all routes and middleware attached.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cors(), Auth(s.cfg.JWTSecret))

	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/graph/spec", s.graphSpec)

	api := r.Group("/api/threads")
	api.POST("", s.createThread)
	api.POST("/:id/runs/stream", s.streamRun)
	api.POST("/:id/runs/resume", s.resumeRun)
	api.GET("/:id/messages", s.getMessages)
	api.DELETE("/:id", s.deleteThread)
	api.POST("/:id/tools/approval", s.toolApproval)

	return r
}

func (s *Server) cors() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, origin := range s.cfg.CORSOrigins {
		allowed[origin] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "smart-agent", "status": "ok"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) graphSpec(c *gin.Context) {
	c.JSON(http.StatusOK, agent.GraphSpec())
}

func (s *Server) createThread(c *gin.Context) {
	user := userID(c)
	if user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	threadID := uuid.NewString()
	if err := s.store.EnsureThread(c.Request.Context(), threadID, user); err != nil {
		s.logger.Error("create thread failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create thread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID})
}

// ownedThread resolves the path thread and enforces owner isolation. Any
// mismatch, including an unauthenticated user, reads as not found.
func (s *Server) ownedThread(c *gin.Context) (string, bool) {
	threadID := c.Param("id")
	user := userID(c)

	owner, err := s.store.GetThreadOwner(c.Request.Context(), threadID)
	if err != nil {
		s.logger.Error("owner lookup failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return "", false
	}
	if owner == "" || user == "" || owner != user {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return "", false
	}
	return threadID, true
}

func (s *Server) getMessages(c *gin.Context) {
	threadID, ok := s.ownedThread(c)
	if !ok {
		return
	}

	messages, err := s.store.LoadMessages(c.Request.Context(), threadID, userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load failed"})
		return
	}
	if messages == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": messages})
}

func (s *Server) deleteThread(c *gin.Context) {
	threadID, ok := s.ownedThread(c)
	if !ok {
		return
	}

	if err := s.store.DeleteThread(c.Request.Context(), threadID, userID(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "thread deleted"})
}
