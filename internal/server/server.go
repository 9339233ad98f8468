// Package server exposes the HTTP surface: task submission (sync and async),
// task lookup, system status, health, and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"okami/internal/config"
	"okami/internal/crew"
	"okami/internal/errorx"
	"okami/internal/evolution"
	"okami/internal/ids"
	"okami/internal/knowledge"
	"okami/internal/logging"
)

const defaultQueueSize = 64

// Runner executes compiled crews. Satisfied by *crew.Executor.
type Runner interface {
	Run(ctx context.Context, plan *crew.Plan, inputs map[string]string) *crew.CrewResult
}

// Options wires a Server. Evolution and Knowledge may be nil.
type Options struct {
	Config    *config.Config
	Registry  *crew.Registry
	Runner    Runner
	Evolution *evolution.Coordinator
	Knowledge *knowledge.Store
}

// Server owns the gin engine and the submission queue.
type Server struct {
	cfg       *config.Config
	registry  *crew.Registry
	runner    Runner
	evolution *evolution.Coordinator
	knowledge *knowledge.Store
	history   *history
	slots     chan struct{}
	engine    *gin.Engine
	logger    *logging.Logger
	startedAt time.Time
}

// New assembles the router. The returned server is ready to ListenAndServe.
func New(opts Options) *Server {
	queueSize := opts.Config.Server.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	s := &Server{
		cfg:       opts.Config,
		registry:  opts.Registry,
		runner:    opts.Runner,
		evolution: opts.Evolution,
		knowledge: opts.Knowledge,
		history:   newHistory(),
		slots:     make(chan struct{}, queueSize),
		logger:    logging.NewComponentLogger("server"),
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	engine.POST("/tasks", s.handleSubmit)
	engine.GET("/tasks/recent", s.handleRecent)
	engine.GET("/tasks/:id", s.handleGetTask)
	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = engine
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the context is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.evolution != nil {
		s.evolution.Wait()
	}
	return srv.Shutdown(shutdownCtx)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = ids.NewRequestID()
		}
		c.Request = c.Request.WithContext(ids.WithRequestID(c.Request.Context(), reqID))
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

type taskRequest struct {
	Task           string            `json:"task" binding:"required"`
	CrewName       string            `json:"crew_name"`
	AsyncExecution bool              `json:"async_execution"`
	Inputs         map[string]string `json:"inputs"`
	Context        map[string]string `json:"context"`
}

type taskResponse struct {
	TaskID        string      `json:"task_id"`
	Status        string      `json:"status"`
	Result        *taskResult `json:"result"`
	Error         *string     `json:"error"`
	ExecutionTime float64     `json:"execution_time"`
}

type taskResult struct {
	Raw         string               `json:"raw"`
	TasksOutput []crew.ExecutionStep `json:"tasks_output"`
	TokenUsage  any                  `json:"token_usage"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	crewName := req.CrewName
	if crewName == "" {
		crewName = s.cfg.Server.DefaultCrew
	}
	plan, err := crew.Compile(s.registry, crewName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": errorx.ErrQueueFull.Error()})
		return
	}

	taskID := ids.NewTaskID()
	s.history.begin(taskID, req.Task, crewName)
	inputs := buildInputs(req)

	if req.AsyncExecution {
		go func() {
			defer func() { <-s.slots }()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.RequestTimeout())
			defer cancel()
			s.execute(ctx, taskID, plan, req.Task, inputs)
		}()
		c.JSON(http.StatusAccepted, taskResponse{TaskID: taskID, Status: TaskProcessing})
		return
	}

	defer func() { <-s.slots }()
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Timeouts.RequestTimeout())
	defer cancel()
	s.execute(ctx, taskID, plan, req.Task, inputs)

	rec, _ := s.history.get(taskID)
	status := http.StatusOK
	if rec.Status == TaskFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, recordResponse(rec))
}

// execute runs the crew, stores the terminal record, and hands the result to
// the evolution coordinator off the response path.
func (s *Server) execute(ctx context.Context, taskID string, plan *crew.Plan, task string, inputs map[string]string) {
	result := s.runner.Run(ctx, plan, inputs)
	s.history.finish(taskID, result, result.Error)
	if s.evolution != nil {
		s.evolution.TriggerAfterRun(task, result)
	}
}

func buildInputs(req taskRequest) map[string]string {
	inputs := map[string]string{"task": req.Task}
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	for k, v := range req.Context {
		inputs[k] = v
	}
	return inputs
}

func recordResponse(rec TaskRecord) taskResponse {
	resp := taskResponse{
		TaskID:        rec.ID,
		Status:        rec.Status,
		ExecutionTime: rec.ExecutionTime,
	}
	if rec.Error != "" {
		errMsg := rec.Error
		resp.Error = &errMsg
	}
	if rec.Result != nil {
		resp.Result = &taskResult{
			Raw:         rec.Result.FinalOutput,
			TasksOutput: rec.Result.TasksOutput,
			TokenUsage:  rec.Result.TokenUsage,
		}
	}
	return resp
}

func (s *Server) handleGetTask(c *gin.Context) {
	rec, ok := s.history.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, recordResponse(rec))
}

func (s *Server) handleRecent(c *gin.Context) {
	n := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.history.recent(n)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	processing, completed, failed := s.history.totals()
	status := gin.H{
		"crews":           s.registry.CrewNames(),
		"tasks_active":    processing,
		"tasks_completed": completed,
		"tasks_failed":    failed,
		"queue_capacity":  cap(s.slots),
		"queue_in_use":    len(s.slots),
	}
	if s.knowledge != nil {
		status["knowledge"] = s.knowledge.Stats()
		status["pending_proposals"] = s.knowledge.PendingProposals()
	}
	c.JSON(http.StatusOK, status)
}
