package workflow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/alancoin/internal/idgen"
	"github.com/mbd888/alancoin/internal/pagination"
)

const defaultPageLimit = 50

// Handler exposes the Execution Engine and its Persistence Port over HTTP.
type Handler struct {
	store  Store
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a workflow Handler.
func NewHandler(store Store, engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, engine: engine, logger: logger}
}

// RegisterRoutes mounts the workflow definition and execution routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/workflows", h.CreateWorkflow)
	r.GET("/workflows", h.ListWorkflows)
	r.GET("/workflows/:id", h.GetWorkflow)
	r.PUT("/workflows/:id", h.UpdateWorkflow)
	r.POST("/workflows/:id/executions", h.StartExecution)
	r.GET("/workflows/:id/executions", h.ListWorkflowExecutions)
	r.GET("/executions/:execId", h.GetExecution)
	r.GET("/executions/:execId/logs", h.ListExecutionLogs)
	r.POST("/executions/:execId/cancel", h.CancelExecution)
	r.POST("/executions/:execId/pause", h.PauseExecution)
	r.POST("/executions/:execId/resume", h.ResumeExecution)
}

type createWorkflowRequest struct {
	Nodes []Node `json:"nodes" binding:"required"`
	Edges []Edge `json:"edges"`
}

// CreateWorkflow handles POST /v1/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	wf := &Workflow{ID: idgen.WithPrefix("wf_"), Nodes: req.Nodes, Edges: req.Edges}
	if _, err := topologicalOrder(wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config_invalid", "message": err.Error()})
		return
	}

	if err := h.store.CreateWorkflow(c.Request.Context(), wf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": wf})
}

// GetWorkflow handles GET /v1/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.store.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

// ListWorkflows handles GET /v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	workflows, err := h.store.ListWorkflows(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

// UpdateWorkflow handles PUT /v1/workflows/:id. A workflow with a running
// execution is immutable — reject the update rather than mutate a graph an
// in-flight Engine.Start is actively scheduling against.
func (h *Handler) UpdateWorkflow(c *gin.Context) {
	id := c.Param("id")
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	running, err := h.store.ListExecutionsByStatus(c.Request.Context(), StatusRunning)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	for _, exec := range running {
		if exec.WorkflowID == id {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow_executing", "message": "Workflow has a running execution and cannot be modified"})
			return
		}
	}

	wf := &Workflow{ID: id, Nodes: req.Nodes, Edges: req.Edges}
	if _, err := topologicalOrder(wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config_invalid", "message": err.Error()})
		return
	}
	if err := h.store.UpdateWorkflow(c.Request.Context(), wf); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

type startExecutionRequest struct {
	Input  map[string]interface{} `json:"input"`
	UserID string                 `json:"userId"`
}

// StartExecution handles POST /v1/workflows/:id/executions. The engine
// drives the execution to a terminal state, which can take longer than an
// HTTP round trip, so the execution is started in the background and the
// caller polls GetExecution for status.
func (h *Handler) StartExecution(c *gin.Context) {
	id := c.Param("id")
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	wf, err := h.store.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	exec := &WorkflowExecution{
		ID:         idgen.WithPrefix("exec_"),
		WorkflowID: wf.ID,
		UserID:     req.UserID,
		Status:     StatusPending,
		Input:      req.Input,
		StartedAt:  time.Now(),
	}
	if err := h.store.CreateExecution(c.Request.Context(), exec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	runCtx := runCtxFrom(c)
	go func() {
		if err := h.engine.Start(runCtx, wf, exec); err != nil {
			h.logger.Error("workflow execution failed", "execution_id", exec.ID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"execution": exec})
}

// ListWorkflowExecutions handles GET /v1/workflows/:id/executions
func (h *Handler) ListWorkflowExecutions(c *gin.Context) {
	id := c.Param("id")
	var out []*WorkflowExecution
	for _, status := range []ExecutionStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusPaused} {
		execs, err := h.store.ListExecutionsByStatus(c.Request.Context(), status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		for _, e := range execs {
			if e.WorkflowID == id {
				out = append(out, e)
			}
		}
	}

	page, nextCursor, err := paginateExecutions(out, c.Query("cursor"), pageLimit(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": page, "nextCursor": nextCursor, "hasMore": nextCursor != ""})
}

// GetExecution handles GET /v1/executions/:execId
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.store.GetExecution(c.Request.Context(), c.Param("execId"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

// ListExecutionLogs handles GET /v1/executions/:execId/logs
func (h *Handler) ListExecutionLogs(c *gin.Context) {
	logs, err := h.store.ListLogs(c.Request.Context(), c.Param("execId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	page, nextCursor, err := paginateLogs(logs, c.Query("cursor"), pageLimit(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": page, "nextCursor": nextCursor, "hasMore": nextCursor != ""})
}

// pageLimit reads the "limit" query param, falling back to defaultPageLimit.
func pageLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			return parsed
		}
	}
	return defaultPageLimit
}

// paginateExecutions orders executions by (startedAt, id) and returns the
// page after cursorStr, plus the cursor for the next page.
func paginateExecutions(execs []*WorkflowExecution, cursorStr string, limit int) ([]*WorkflowExecution, string, error) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})

	cur, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}
	if cur != nil {
		idx := 0
		for idx < len(execs) && !afterCursor(execs[idx].StartedAt, execs[idx].ID, *cur) {
			idx++
		}
		execs = execs[idx:]
	}

	page, next, _ := pagination.ComputePage(execs, limit, func(e *WorkflowExecution) (time.Time, string) {
		return e.StartedAt, e.ID
	})
	return page, next, nil
}

// paginateLogs orders logs by (timestamp, id) and returns the page after
// cursorStr, plus the cursor for the next page.
func paginateLogs(logs []*ExecutionLog, cursorStr string, limit int) ([]*ExecutionLog, string, error) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].Timestamp.Equal(logs[j].Timestamp) {
			return logs[i].ID < logs[j].ID
		}
		return logs[i].Timestamp.Before(logs[j].Timestamp)
	})

	cur, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}
	if cur != nil {
		idx := 0
		for idx < len(logs) && !afterCursor(logs[idx].Timestamp, logs[idx].ID, *cur) {
			idx++
		}
		logs = logs[idx:]
	}

	page, next, _ := pagination.ComputePage(logs, limit, func(l *ExecutionLog) (time.Time, string) {
		return l.Timestamp, l.ID
	})
	return page, next, nil
}

// afterCursor reports whether (ts, id) sorts strictly after the cursor position.
func afterCursor(ts time.Time, id string, cur pagination.Cursor) bool {
	if ts.After(cur.CreatedAt) {
		return true
	}
	return ts.Equal(cur.CreatedAt) && id > cur.ID
}

// CancelExecution handles POST /v1/executions/:execId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	if err := h.engine.Cancel(c.Request.Context(), c.Param("execId")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// PauseExecution handles POST /v1/executions/:execId/pause
func (h *Handler) PauseExecution(c *gin.Context) {
	if err := h.engine.Pause(c.Request.Context(), c.Param("execId")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeExecution handles POST /v1/executions/:execId/resume. Resumption
// re-enters the engine's scheduling loop, which can run past the HTTP
// deadline, so it too is kicked off in the background.
func (h *Handler) ResumeExecution(c *gin.Context) {
	execID := c.Param("execId")
	exec, err := h.store.GetExecution(c.Request.Context(), execID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	wf, err := h.store.GetWorkflow(c.Request.Context(), exec.WorkflowID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	runCtx := runCtxFrom(c)
	go func() {
		if err := h.engine.Resume(runCtx, wf, execID); err != nil {
			h.logger.Error("workflow resume failed", "execution_id", execID, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

func (h *Handler) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Not found"})
		return
	}
	if errors.Is(err, ErrAlreadyComplete) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_complete", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

// runCtxFrom detaches a background execution from the request's context
// (which is cancelled the moment the HTTP response is written) while
// preserving request-scoped values the engine or handlers may read.
func runCtxFrom(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
