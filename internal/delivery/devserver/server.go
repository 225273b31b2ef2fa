// Package devserver is a scripted task server that speaks the same HTTP and
// event stream protocol as the real agent backend. It exists for local
// development and end-to-end tests of the client.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taskpilot/internal/domain/task"
	"taskpilot/internal/infra/taskapi"
	"taskpilot/internal/shared/logging"
)

// Config controls the dev server.
type Config struct {
	// Token, when set, must be presented as a bearer token.
	Token      string
	StepDelay  time.Duration
	Heartbeat  time.Duration
	EnableCORS bool
	Debug      bool
}

// DefaultConfig returns the settings used by the dev-server command.
func DefaultConfig() Config {
	return Config{
		StepDelay:  150 * time.Millisecond,
		Heartbeat:  15 * time.Second,
		EnableCORS: true,
	}
}

// Server plays back scripted tasks.
type Server struct {
	cfg    Config
	engine *gin.Engine
	logger logging.Logger
	newID  func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	tasks map[string]*scriptedTask
}

// New builds a server and its routes.
func New(cfg Config, logger logging.Logger) *Server {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("DevServer")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-User-ID", "Cache-Control"}
		engine.Use(cors.New(corsConfig))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		newID:  func() string { return uuid.NewString()[:8] },
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*scriptedTask),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown dev server: %w", err)
	}
	return nil
}

// Close stops every running script.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	api.Use(s.authenticate())
	api.POST("/tasks", s.handleCreate)
	api.GET("/tasks/:id", s.handleGet)
	api.POST("/tasks/:id/cancel", s.handleCancel)
	api.GET("/tasks/:id/events", s.handleEvents)
	api.GET("/tasks/:id/history", s.handleHistory)
	api.POST("/approvals", s.handleApproval)
	api.POST("/approvals/batch", s.handleApprovalBatch)
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%s, user=%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(started).Round(time.Millisecond), c.GetHeader("X-User-ID"))
	}
}

// createTask registers a task and starts its script.
func (s *Server) createTask(req taskapi.CreateRequest, parentID string) string {
	id := "task-" + s.newID()
	now := time.Now()
	taskType := req.TaskType
	if taskType == "" {
		taskType = task.TypeSession
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := newScriptedTask(taskapi.TaskRecord{
		TaskID:       id,
		Status:       string(task.StatusPending),
		TaskType:     string(taskType),
		ParentTaskID: parentID,
		Description:  req.Input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, cancel)

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.play(ctx, t, req.Input)
	}()
	s.logger.Info("created task %s (parent=%q)", id, parentID)
	return id
}

func (s *Server) lookup(id string) (*scriptedTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Server) handleCreate(c *gin.Context) {
	var req taskapi.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}
	if req.TaskType != "" && !req.TaskType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown task_type %q", req.TaskType)})
		return
	}
	id := s.createTask(req, "")
	c.JSON(http.StatusOK, gin.H{"task_id": id})
}

func (s *Server) handleGet(c *gin.Context) {
	t, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t.snapshot())
}

func (s *Server) handleCancel(c *gin.Context) {
	t, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if t.markCancelled() {
		s.logger.Info("cancelled task %s", c.Param("id"))
	}
	c.JSON(http.StatusOK, taskapi.Ack{Success: true})
}

func (s *Server) handleHistory(c *gin.Context) {
	t, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t.history())
}

// handleEvents replays the task's log from the start and follows it until
// the task finishes or the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	t, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	next := 0
	for {
		events, changed, finished := t.since(next)
		for _, ev := range events {
			c.Render(-1, sse.Event{Event: ev.Type, Id: strconv.Itoa(next), Data: ev.Data})
			next++
		}
		c.Writer.Flush()
		if finished {
			return
		}

		select {
		case <-changed:
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleApproval(c *gin.Context) {
	var d taskapi.Decision
	if err := c.ShouldBindJSON(&d); err != nil || d.ApprovalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "approval_id is required"})
		return
	}
	t, ok := s.findApproval(d)
	if !ok || !t.resolveApproval(d.ApprovalID, d.Approved) {
		c.JSON(http.StatusOK, taskapi.Ack{Success: false, Message: "no pending approval " + d.ApprovalID})
		return
	}
	c.JSON(http.StatusOK, taskapi.Ack{Success: true})
}

// handleApprovalBatch applies every decision or none.
func (s *Server) handleApprovalBatch(c *gin.Context) {
	var body struct {
		Decisions []taskapi.Decision `json:"decisions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owners := make([]*scriptedTask, len(body.Decisions))
	for i, d := range body.Decisions {
		t, ok := s.findApproval(d)
		if !ok {
			c.JSON(http.StatusOK, taskapi.Ack{Success: false, Message: "no pending approval " + d.ApprovalID})
			return
		}
		owners[i] = t
	}
	for i, d := range body.Decisions {
		owners[i].resolveApproval(d.ApprovalID, d.Approved)
	}
	c.JSON(http.StatusOK, taskapi.Ack{Success: true, Message: fmt.Sprintf("%d decisions applied", len(body.Decisions))})
}

func (s *Server) findApproval(d taskapi.Decision) (*scriptedTask, bool) {
	if d.TaskID != "" {
		t, ok := s.lookup(d.TaskID)
		return t, ok && t.hasApproval(d.ApprovalID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.hasApproval(d.ApprovalID) {
			return t, true
		}
	}
	return nil, false
}
