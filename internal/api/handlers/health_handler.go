package handlers

import (
	"net/http"

	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/gin-gonic/gin"
)

// HealthHandler 健康检查
type HealthHandler struct {
	svc        service.ExtractionService
	memMonitor *middleware.MemoryMonitor
	version    string
}

func NewHealthHandler(svc service.ExtractionService, memMonitor *middleware.MemoryMonitor, version string) *HealthHandler {
	return &HealthHandler{svc: svc, memMonitor: memMonitor, version: version}
}

// Health GET /api/health
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"version":        h.version,
		"schema_version": h.svc.Schema().Version(),
	}

	counts, total, err := h.svc.GetStatusCounts(c.Request.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["tasks"] = counts
	resp["total"] = total

	if h.memMonitor != nil {
		resp["memory"] = h.memMonitor.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}
