package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/statsrunner/internal/controller"
	"github.com/ChuLiYu/statsrunner/internal/dataset"
	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// Runner is the part of *controller.Controller the handlers use.
type Runner interface {
	Submit(ctx context.Context, payload types.Payload, selector types.Selector) (types.JobID, error)
	Issued(id types.JobID) bool
	Result(ctx context.Context, id types.JobID) (types.Record, error)
	PendingCount() int
	Jobs() []controller.JobSummary
	State() controller.State
	InitiateShutdown() bool
}

type Handler struct {
	runner Runner
}

func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

// Submit returns a handler that enqueues a job for selector.
func (h *Handler) Submit(selector types.Selector) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var payload types.Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("request body must be a JSON object"))
			return
		}
		if q, _ := payload["question"].(string); q == "" {
			c.JSON(http.StatusBadRequest, errorBody("missing question"))
			return
		}
		if dataset.NeedsState(selector) {
			if s, _ := payload["state"].(string); s == "" {
				c.JSON(http.StatusBadRequest, errorBody("missing state"))
				return
			}
		}

		id, err := h.runner.Submit(ctx, payload, selector)
		if err != nil {
			if errors.Is(err, controller.ErrUnavailable) {
				c.JSON(http.StatusServiceUnavailable, errorBody("shutting down"))
				return
			}
			slog.ErrorContext(ctx, "failed to submit job", "selector", selector, "error", err)
			c.JSON(http.StatusInternalServerError, errorBody("failed to submit job"))
			return
		}

		c.JSON(http.StatusOK, gin.H{"job_id": id})
	}
}

func (h *Handler) GetResult(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := types.ParseJobID(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid job_id"))
		return
	}
	if !h.runner.Issued(id) {
		c.JSON(http.StatusNotFound, errorBody("job not found"))
		return
	}

	rec, err := h.runner.Result(ctx, id)
	switch {
	case errors.Is(err, controller.ErrNotReady):
		c.JSON(http.StatusOK, gin.H{"status": "running"})
		return
	case errors.Is(err, controller.ErrPersistFailed):
		slog.WarnContext(ctx, "result requested for job that failed to persist", "job_id", id)
		c.JSON(http.StatusInternalServerError, errorBody("result could not be stored"))
		return
	case errors.Is(err, resultstore.ErrNotFound):
		c.JSON(http.StatusInternalServerError, errorBody("result no longer available"))
		return
	case err != nil:
		slog.ErrorContext(ctx, "failed to load result", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody("result is unreadable"))
		return
	}

	if rec.Failed() {
		c.JSON(http.StatusOK, gin.H{"status": "error", "data": gin.H{"error": rec.Error}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "done", "data": rec.Value})
}

func (h *Handler) ListJobs(c *gin.Context) {
	jobs := h.runner.Jobs()
	data := make([]map[string]string, 0, len(jobs))
	for _, j := range jobs {
		data = append(data, map[string]string{j.ID.String(): displayStatus(j.Status)})
	}
	c.JSON(http.StatusOK, gin.H{"status": "done", "data": data})
}

func (h *Handler) NumJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"num_jobs": h.runner.PendingCount()})
}

func (h *Handler) GracefulShutdown(c *gin.Context) {
	if !h.runner.InitiateShutdown() {
		c.JSON(http.StatusOK, gin.H{"status": "already shutting down"})
		return
	}
	slog.InfoContext(c.Request.Context(), "graceful shutdown requested over http")
	c.JSON(http.StatusOK, gin.H{"status": "draining"})
}

func (h *Handler) Health(c *gin.Context) {
	state := h.runner.State()
	if state != controller.StateRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "state": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": state.String()})
}

// A job with no recorded status yet is still queued.
func displayStatus(s types.JobStatus) string {
	if s == types.StatusUnknown {
		return string(types.StatusRunning)
	}
	return string(s)
}

func errorBody(reason string) gin.H {
	return gin.H{"status": "error", "reason": reason}
}
