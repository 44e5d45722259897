package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/admission"
	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
)

type queueRequest struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// QueueEnrichment handles POST /api/services/:service/queue.
func (r *Router) QueueEnrichment(c *gin.Context) {
	serviceName := c.Param("service")

	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request_body"})
		return
	}
	if req.Count == 0 {
		req.Count = 10
	}

	kind := entity.Kind(req.Kind)
	if req.Kind != "" && !entity.ValidKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown_entity_kind"})
		return
	}

	resp, err := r.requestUC.Execute(c.Request.Context(), serviceName, kind, req.Count)
	if err != nil {
		r.logger.Error("queue_enrichment_failed", zap.Error(err), zap.String("service", serviceName))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error"})
		return
	}

	// Rejections are routine outcomes, not server errors.
	if resp.Outcome == admission.OutcomeRejected {
		c.JSON(http.StatusOK, gin.H{
			"success":         false,
			"reason":          resp.Reason,
			"available_count": resp.AvailableCount,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"queued_count":      resp.AdmittedCount,
		"queued_entity_ids": resp.QueuedEntityIDs,
		"outcome":           resp.Outcome,
		"reason":            resp.Reason,
		"available_count":   resp.AvailableCount,
	})
}

// ServiceStats handles GET /api/services/:service/stats.
func (r *Router) ServiceStats(c *gin.Context) {
	serviceName := c.Param("service")
	kind := entity.Kind(c.Query("kind"))
	if c.Query("kind") != "" && !entity.ValidKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_entity_kind"})
		return
	}

	snap, err := r.aggregator.Get(c.Request.Context(), serviceName, kind)
	if err != nil {
		r.logger.Error("service_stats_failed", zap.Error(err), zap.String("service", serviceName))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// QueueStatus handles GET /api/queues/:queue/status.
func (r *Router) QueueStatus(c *gin.Context) {
	q, ok := r.queue(c)
	if !ok {
		return
	}

	status, err := q.QueueStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueuePosition handles GET /api/queues/:queue/position/:entity_id.
func (r *Router) QueuePosition(c *gin.Context) {
	q, ok := r.queue(c)
	if !ok {
		return
	}

	entityID, err := strconv.ParseInt(c.Param("entity_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return
	}

	pos, err := q.PositionOf(c.Request.Context(), entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if pos < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos, "running": pos == 0})
}

type completionRequest struct {
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	ColumnsAffected []string          `json:"columns_affected"`
	Metadata        map[string]string `json:"metadata"`
	ErrorMessage    string            `json:"error_message"`
}

func (r *Router) entryID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("entry_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry_id"})
		return 0, false
	}
	return id, true
}

func (r *Router) completionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry_not_found"})
	case errors.Is(err, audit.ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "entry_already_completed"})
	default:
		r.logger.Error("runner_callback_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// ReportStarted handles POST /runner/entries/:entry_id/started.
func (r *Router) ReportStarted(c *gin.Context) {
	id, ok := r.entryID(c)
	if !ok {
		return
	}
	if err := r.dispatcher.ReportStarted(c.Request.Context(), id); err != nil {
		r.completionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReportSuccess handles POST /runner/entries/:entry_id/success.
func (r *Router) ReportSuccess(c *gin.Context) {
	id, ok := r.entryID(c)
	if !ok {
		return
	}
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}
	if err := r.dispatcher.ReportSuccess(c.Request.Context(), id, req.ExecutionTimeMS, req.ColumnsAffected, req.Metadata); err != nil {
		r.completionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReportFailure handles POST /runner/entries/:entry_id/failure.
func (r *Router) ReportFailure(c *gin.Context) {
	id, ok := r.entryID(c)
	if !ok {
		return
	}
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}
	if err := r.dispatcher.ReportFailure(c.Request.Context(), id, req.ErrorMessage, req.Metadata); err != nil {
		r.completionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReportRateLimited handles POST /runner/entries/:entry_id/rate_limited.
func (r *Router) ReportRateLimited(c *gin.Context) {
	id, ok := r.entryID(c)
	if !ok {
		return
	}
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}
	if err := r.dispatcher.ReportRateLimited(c.Request.Context(), id, req.ErrorMessage, req.Metadata); err != nil {
		r.completionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReapQueue handles POST /admin/queues/:queue/reap.
func (r *Router) ReapQueue(c *gin.Context) {
	q, ok := r.queue(c)
	if !ok {
		return
	}
	reaped, err := q.Reap(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reaped": reaped})
}

// ClearQueue handles POST /admin/queues/:queue/clear.
func (r *Router) ClearQueue(c *gin.Context) {
	q, ok := r.queue(c)
	if !ok {
		return
	}
	if err := q.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RemoveQueuedJob handles DELETE /admin/queues/:queue/jobs/:job_id.
func (r *Router) RemoveQueuedJob(c *gin.Context) {
	q, ok := r.queue(c)
	if !ok {
		return
	}
	removed, err := q.Remove(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
