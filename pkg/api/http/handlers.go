package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/orchestrator"
	"github.com/taskmesh/meshd/pkg/domain"
)

// TaskSubmitResponse represents a task submission response.
type TaskSubmitResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// DependencyRequest represents an edge insertion request.
type DependencyRequest struct {
	Source string  `json:"source" binding:"required"`
	Target string  `json:"target" binding:"required"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.orchestrator.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"orchestrator": "ok",
			"tasks":        stats.TotalTasks,
		},
	})
}

// handleSubmitTask handles task submission.
func (s *Server) handleSubmitTask(c *gin.Context) {
	var desc orchestrator.TaskDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	taskID, err := s.orchestrator.SubmitTask(c.Request.Context(), &desc)
	if err != nil {
		s.respondError(c, "SUBMISSION_FAILED", err)
		return
	}

	c.JSON(http.StatusCreated, TaskSubmitResponse{
		TaskID:      taskID.String(),
		Status:      string(domain.StatusPending),
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListTasks handles listing all tasks.
func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.orchestrator.Tasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// handleGetTask handles getting task details.
func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := s.parseTaskID(c)
	if !ok {
		return
	}

	task, err := s.orchestrator.Task(id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Task not found",
			},
		})
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleCancelTask handles task cancellation.
func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := s.parseTaskID(c)
	if !ok {
		return
	}

	if err := s.orchestrator.CancelTask(c.Request.Context(), id); err != nil {
		s.respondError(c, "CANCELLATION_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":      id.String(),
		"status":       string(domain.StatusCancelled),
		"cancelled_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTaskEdges returns the blocking neighborhood of one task.
func (s *Server) handleTaskEdges(c *gin.Context) {
	id, ok := s.parseTaskID(c)
	if !ok {
		return
	}
	if _, err := s.orchestrator.Task(id); err != nil {
		s.respondError(c, "NOT_FOUND", err)
		return
	}

	toStrings := func(ids []domain.TaskID) []string {
		out := make([]string, len(ids))
		for i, v := range ids {
			out[i] = v.String()
		}
		return out
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":      id.String(),
		"dependencies": toStrings(s.orchestrator.Dependencies(id)),
		"dependents":   toStrings(s.orchestrator.Dependents(id)),
	})
}

// handleAddDependency handles edge insertion.
func (s *Server) handleAddDependency(c *gin.Context) {
	var req DependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	source, err := uuid.Parse(req.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "bad source id"},
		})
		return
	}
	target, err := uuid.Parse(req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "bad target id"},
		})
		return
	}
	depType, err := domain.ParseDependencyType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	edgeID, err := s.orchestrator.AddDependency(c.Request.Context(), source, target, depType, req.Weight)
	if err != nil {
		s.respondError(c, "DEPENDENCY_REJECTED", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"edge_id": edgeID.String(),
		"source":  source.String(),
		"target":  target.String(),
		"type":    string(depType),
		"weight":  req.Weight,
	})
}

// handleReadyTasks returns the current dispatch frontier.
func (s *Server) handleReadyTasks(c *gin.Context) {
	ready := s.orchestrator.ReadyTasks()
	ids := make([]string, len(ready))
	for i, id := range ready {
		ids[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"ready": ids, "total": len(ids)})
}

// handleTopologicalOrder returns a deterministic linearization.
func (s *Server) handleTopologicalOrder(c *gin.Context) {
	order := s.orchestrator.TopologicalOrder()
	ids := make([]string, len(order))
	for i, id := range order {
		ids[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"order": ids, "total": len(ids)})
}

// handleCriticalPath returns the heaviest blocking chain.
func (s *Server) handleCriticalPath(c *gin.Context) {
	path, weight := s.orchestrator.CriticalPath()
	ids := make([]string, len(path))
	for i, id := range path {
		ids[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"path": ids, "total_weight": weight})
}

// handleStats returns mesh statistics.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Stats())
}

// handleBreakers returns circuit breaker snapshots.
func (s *Server) handleBreakers(c *gin.Context) {
	snapshots := s.orchestrator.BreakerSnapshots()
	c.JSON(http.StatusOK, gin.H{
		"breakers": snapshots,
		"total":    len(snapshots),
	})
}

func (s *Server) parseTaskID(c *gin.Context) (domain.TaskID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: "bad task id",
			},
		})
		return domain.TaskID{}, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, code string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCycleDetected):
		status = http.StatusUnprocessableEntity
	default:
		var de *domain.Error
		if errors.As(err, &de) && de.Kind == domain.KindValidation {
			status = http.StatusBadRequest
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
