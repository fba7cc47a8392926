package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/log"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server exposes the engine over HTTP. It is the channel through which humans
// approve tool invocations and observers follow executions.
type Server struct {
	engine  *service.Engine
	metrics http.Handler
	router  *gin.Engine
}

// NewServer builds the router. metrics may be nil, in which case /metrics is
// not served.
func NewServer(engine *service.Engine, metrics http.Handler) *Server {
	s := &Server{engine: engine, metrics: metrics}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", healthHandler)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	r.GET("/executions", s.listExecutions)
	r.POST("/executions", s.createExecution)
	r.GET("/executions/:id", s.getExecution)
	r.GET("/executions/:id/snapshot", s.snapshot)
	r.PATCH("/executions/:id/status", s.updateExecutionStatus)
	r.DELETE("/executions/:id", s.purgeExecution)
	r.GET("/executions/:id/events", s.streamEvents)

	r.GET("/executions/:id/agents", s.listAgents)
	r.POST("/executions/:id/agents", s.createAgent)
	r.GET("/agents/:id", s.getAgent)
	r.PATCH("/agents/:id/status", s.updateAgentStatus)

	r.GET("/executions/:id/tasks", s.listTasks)
	r.POST("/executions/:id/tasks", s.createTask)
	r.GET("/tasks/:id", s.getTask)
	r.PATCH("/tasks/:id/status", s.updateTaskStatus)
	r.POST("/tasks/:id/subtasks", s.createSubtask)
	r.POST("/tasks/:id/iterations", s.incrementIteration)

	r.GET("/executions/:id/tool-invocations", s.listToolInvocations)
	r.POST("/executions/:id/tool-invocations", s.createToolInvocation)
	r.GET("/tool-invocations/:id", s.getToolInvocation)
	r.POST("/tool-invocations/:id/approval", s.approveToolInvocation)
	r.PATCH("/tool-invocations/:id/status", s.updateToolStatus)

	r.GET("/executions/:id/logs", s.listLogs)
	r.POST("/executions/:id/logs", s.addLog)
	return r
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, engine *service.Engine, metrics http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewServer(engine, metrics).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting swarm server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.GetLogger().Info("Shutting down swarm server")
		return srv.Shutdown(shutdownCtx)
	}
}

func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "Swarm server is running")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.GetLogger().Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.GetLogger().Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
