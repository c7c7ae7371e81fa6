// Package server exposes the control plane over a versioned HTTP API and a
// WebSocket event stream, plus Prometheus metrics.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"maestro/internal/broadcast"
	"maestro/internal/checkpoint"
	"maestro/internal/controlplane"
	"maestro/internal/domain/run"
	"maestro/internal/errors"
	"maestro/internal/logging"
)

// Config tunes the HTTP surface.
type Config struct {
	Host         string
	Port         int
	CORSOrigins  []string // empty allows all origins
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server wires the control plane and the broadcast hub into HTTP.
type Server struct {
	control  *controlplane.Manager
	hub      *broadcast.Hub
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// New builds a server around an existing control plane.
func New(control *controlplane.Manager, hub *broadcast.Hub, cfg Config, logger *logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		control: control,
		hub:     hub,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(logger),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) routes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	runs := api.Group("/runs")
	runs.POST("", s.handleCreateRun)
	runs.GET("", s.handleListRuns)
	runs.GET("/:id", s.handleGetRun)
	runs.POST("/:id/pause", s.lifecycle(s.control.Pause))
	runs.POST("/:id/resume", s.lifecycle(s.control.Resume))
	runs.POST("/:id/cancel", s.lifecycle(s.control.Cancel))
	runs.POST("/:id/restart", s.lifecycle(s.control.Restart))
	runs.POST("/:id/replan", s.lifecycle(s.control.Replan))
	runs.PATCH("/:id/tasks/:task_id", s.handleUpdateTask)
	runs.DELETE("/:id/tasks/:task_id", s.handleAbandonTask)
	runs.GET("/:id/tasks/:task_id/memories", s.handleTaskMemories)
	runs.GET("/:id/interrupts", s.handleInterrupts)
	runs.POST("/:id/resolve", s.handleResolve)
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), apiResponse{Success: false, Error: err.Error()})
}

// httpStatus maps internal failures onto stable codes: cycles conflict,
// unknown resources are 404, the rest of the rejections are client errors.
func httpStatus(err error) int {
	switch {
	case errors.IsKind(err, errors.KindCycleDetected):
		return http.StatusConflict
	case stderrors.Is(err, checkpoint.ErrNotFound),
		strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req controlplane.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	id, err := s.control.CreateRun(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"run_id": id})
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	page, err := s.control.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

func (s *Server) handleGetRun(c *gin.Context) {
	r, err := s.control.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	// Task memories are served by their own endpoint; the detail view stays
	// lean.
	detail := r.Clone()
	detail.TaskMemories = nil
	ok(c, http.StatusOK, detail)
}

// lifecycle adapts the control plane's run commands to one handler shape.
func (s *Server) lifecycle(command func(ctx context.Context, runID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := command(c.Request.Context(), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, nil)
	}
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var req controlplane.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	if err := s.control.UpdateTask(c.Request.Context(), c.Param("id"), c.Param("task_id"), req); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (s *Server) handleAbandonTask(c *gin.Context) {
	if err := s.control.AbandonTask(c.Request.Context(), c.Param("id"), c.Param("task_id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (s *Server) handleTaskMemories(c *gin.Context) {
	msgs, err := s.control.GetTaskMemories(c.Request.Context(), c.Param("id"), c.Param("task_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleInterrupts(c *gin.Context) {
	state, err := s.control.GetInterrupts(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, state)
}

func (s *Server) handleResolve(c *gin.Context) {
	var res run.Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		fail(c, err)
		return
	}
	if err := s.control.Resolve(c.Request.Context(), c.Param("id"), res); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}
