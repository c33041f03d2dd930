// Package api exposes the reference embedder's HTTP surface with gin:
// pipeline submission and inspection, an SSE progress stream, health, and
// Prometheus metrics. The engine itself is transport-agnostic; everything
// here is embedder glue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkwell-ai/inkwell/pkg/graph"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/pipeline"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

// Server wires the orchestrator behind HTTP handlers.
type Server struct {
	orchestrator *pipeline.Orchestrator
	bus          *progress.Bus
	checkpoints  store.CheckpointStore
	limiter      *ratelimit.Limiter
	stages       []graph.Stage

	mu      sync.RWMutex
	results map[string]*pipeline.Result
	running map[string]bool
}

// NewServer creates the API server. stages is the embedder's pipeline
// template; every submission runs it (optionally restricted by
// enabled_stages). limiter is optional; when present, /healthz includes the
// provider window snapshots.
func NewServer(orch *pipeline.Orchestrator, bus *progress.Bus, checkpoints store.CheckpointStore, limiter *ratelimit.Limiter, stages []graph.Stage) *Server {
	return &Server{
		orchestrator: orch,
		bus:          bus,
		checkpoints:  checkpoints,
		limiter:      limiter,
		stages:       stages,
		results:      make(map[string]*pipeline.Result),
		running:      make(map[string]bool),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/pipelines", s.SubmitPipeline)
		v1.GET("/pipelines/:id", s.GetPipeline)
		v1.GET("/pipelines/:id/events", s.StreamEvents)
	}
	return router
}

// Health reports liveness plus the rate-limiter provider windows.
func (s *Server) Health(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	if s.limiter != nil {
		providers := gin.H{}
		for _, status := range s.limiter.Statuses() {
			providers[string(status.Provider)] = gin.H{
				"available":               status.Available,
				"queue_length":            status.QueueLength,
				"requests_in_last_minute": status.RequestsInLastMinute,
			}
		}
		resp["providers"] = providers
	}
	c.JSON(http.StatusOK, resp)
}

// submitRequest is the pipeline submission payload.
type submitRequest struct {
	UserID        string          `json:"user_id" binding:"required"`
	Input         json.RawMessage `json:"input" binding:"required"`
	EnabledStages []string        `json:"enabled_stages,omitempty"`
	DeadlineSecs  int             `json:"deadline_seconds,omitempty"`
}

// SubmitPipeline launches a run asynchronously and returns its ID.
func (s *Server) SubmitPipeline(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := pipeline.Config{
		UserID:        req.UserID,
		Stages:        s.stages,
		EnabledStages: req.EnabledStages,
		Input:         req.Input,
		Deadline:      time.Duration(req.DeadlineSecs) * time.Second,
	}

	// Validate the graph up front so submission errors are synchronous.
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg.PipelineID = uuid.New().String()
	pipelineID := cfg.PipelineID
	s.mu.Lock()
	s.running[pipelineID] = true
	s.mu.Unlock()

	go func() {
		result, err := s.orchestrator.Run(context.Background(), cfg)
		s.mu.Lock()
		delete(s.running, pipelineID)
		if err == nil {
			s.results[pipelineID] = result
		}
		s.mu.Unlock()
		if err != nil {
			slog.Error("Pipeline run rejected", "pipeline_id", pipelineID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"pipeline_id": pipelineID})
}

// GetPipeline returns the terminal result, or the live checkpoint for a run
// still in flight.
func (s *Server) GetPipeline(c *gin.Context) {
	pipelineID := c.Param("id")

	s.mu.RLock()
	result, done := s.results[pipelineID]
	inFlight := s.running[pipelineID]
	s.mu.RUnlock()

	if done {
		c.JSON(http.StatusOK, resultResponse(result))
		return
	}

	if s.checkpoints != nil {
		snapshot, err := s.checkpoints.Load(c.Request.Context(), pipelineID)
		if err == nil {
			c.Data(http.StatusOK, "application/json", snapshot)
			return
		}
		if !errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if inFlight {
		c.JSON(http.StatusOK, gin.H{"pipeline_id": pipelineID, "status": "running"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
}

// StreamEvents relays the pipeline's progress events as server-sent events
// until the topic closes or the client disconnects.
func (s *Server) StreamEvents(c *gin.Context) {
	pipelineID := c.Param("id")
	events, cancel := s.bus.Subscribe(pipelineID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func resultResponse(result *pipeline.Result) gin.H {
	resp := gin.H{
		"pipeline_id":  result.PipelineID,
		"status":       result.State,
		"stages":       result.Stages,
		"started_at":   result.StartedAt,
		"completed_at": result.CompletedAt,
	}
	if result.RootCause != nil {
		resp["error"] = result.RootCause.Error()
		resp["error_kind"] = result.RootCause.Kind
	}
	return resp
}
