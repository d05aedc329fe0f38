package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/regional"
	"github.com/leozw/uptime-engine/internal/validation"
)

// RunCheck executes a check dispatched by a coordinator and answers with the
// validated result for this region.
func (h *Handler) RunCheck(c *gin.Context) {
	var req regional.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	monitor := req.Monitor()
	result := h.runner.Run(c.Request.Context(), monitor)
	validation.Apply(result, monitor.ValidationRules)
	h.metrics.RecordCheck(monitor, h.region, result)

	h.logger.Debug("Check executed",
		zap.String("job_id", req.JobID),
		zap.Int64("monitor_id", req.MonitorID),
		zap.String("status", string(result.Status)),
		zap.Float64("response_time_ms", result.ResponseTimeMs),
	)

	c.JSON(http.StatusOK, regional.NewAgentResponse(req.JobID, h.region, result))
}
