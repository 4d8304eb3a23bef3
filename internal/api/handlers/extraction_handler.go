package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExtractionHandler 特征提取处理器
type ExtractionHandler struct {
	svc        service.ExtractionService
	dispatcher service.TaskDispatcher
	uploadDir  string
	maxUpload  int64
	logger     *logrus.Logger
}

// NewExtractionHandler 创建处理器；dispatcher 为 nil 时不提供异步任务接口
func NewExtractionHandler(svc service.ExtractionService, dispatcher service.TaskDispatcher, uploadDir string, maxUpload int64, logger *logrus.Logger) *ExtractionHandler {
	return &ExtractionHandler{
		svc:        svc,
		dispatcher: dispatcher,
		uploadDir:  uploadDir,
		maxUpload:  maxUpload,
		logger:     logger,
	}
}

// Extract 同步上传并提取
// POST /api/extract  multipart: file=<apk>
func (h *ExtractionHandler) Extract(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件 file"})
		return
	}

	taskID := uuid.New().String()
	path, name, err := saveUpload(c, header, h.uploadDir, taskID, h.maxUpload)
	if err != nil {
		h.respondUploadError(c, err)
		return
	}

	out, err := h.svc.Extract(c.Request.Context(), service.ExtractRequest{
		TaskID:  taskID,
		APKPath: path,
		APKName: name,
		Source:  domain.SourceUpload,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"task_id": taskID,
			"status":  domain.ReportStatusFailed,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":        out.Report.TaskID,
		"status":         out.Report.Status,
		"apk":            out.Info,
		"manifest":       out.Manifest,
		"schema_version": out.Report.SchemaVersion,
		"vector":         out.Vector,
		"matched":        out.Matched,
		"stats":          out.Stats,
		"prediction":     out.Prediction,
		"duration_ms":    out.Report.DurationMs,
	})
}

// CreateTask 上传后异步提取
// POST /api/tasks  multipart: file=<apk>
func (h *ExtractionHandler) CreateTask(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "异步任务未启用"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件 file"})
		return
	}

	path, name, err := saveUpload(c, header, h.uploadDir, uuid.New().String(), h.maxUpload)
	if err != nil {
		h.respondUploadError(c, err)
		return
	}

	ctx := c.Request.Context()
	report, err := h.svc.CreateTask(ctx, name, path, domain.SourceQueue)
	if err != nil {
		os.Remove(path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败"})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, report); err != nil {
		h.logger.WithError(err).WithField("task_id", report.TaskID).Error("Failed to dispatch task")
		if mErr := h.svc.MarkFailed(context.WithoutCancel(ctx), report.TaskID, err.Error()); mErr != nil {
			h.logger.WithError(mErr).WithField("task_id", report.TaskID).Warn("Failed to mark task failed")
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"task_id": report.TaskID,
			"error":   "任务投递失败",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": report.TaskID,
		"status":  report.Status,
	})
}

func (h *ExtractionHandler) respondUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errNotAPK):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传文件失败"})
	}
}

// GetSchema 当前特征表
// GET /api/schema
func (h *ExtractionHandler) GetSchema(c *gin.Context) {
	schema := h.svc.Schema()
	c.JSON(http.StatusOK, gin.H{
		"version":  schema.Version(),
		"size":     schema.Len(),
		"features": schema.Names(),
	})
}

// ListReports 报告列表
// GET /api/reports?page=1&page_size=20&status=completed&label=Malicious&package_name=com.example
func (h *ExtractionHandler) ListReports(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := domain.ReportFilter{
		Status:      domain.ReportStatus(c.Query("status")),
		Label:       c.Query("label"),
		PackageName: c.Query("package_name"),
		Limit:       pageSize,
		Offset:      (page - 1) * pageSize,
	}
	reports, total, err := h.svc.ListReports(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取报告列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports":     reports,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// reportDetail 报告详情，附带解码后的向量和命中特征
type reportDetail struct {
	*domain.FeatureReport
	Vector        []int           `json:"vector,omitempty"`
	Matched       []string        `json:"matched,omitempty"`
	Stats         json.RawMessage `json:"stats,omitempty"`
	Contributions json.RawMessage `json:"contributions,omitempty"`
}

// GetReport 报告详情
// GET /api/reports/:id
func (h *ExtractionHandler) GetReport(c *gin.Context) {
	report, ok := h.findReport(c)
	if !ok {
		return
	}

	detail := reportDetail{FeatureReport: report}
	var err error
	if detail.Vector, err = report.Vector(); err != nil {
		h.logger.WithError(err).WithField("task_id", report.TaskID).Error("Corrupted vector")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "报告数据损坏"})
		return
	}
	if detail.Matched, err = report.Matched(); err != nil {
		h.logger.WithError(err).WithField("task_id", report.TaskID).Error("Corrupted matched list")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "报告数据损坏"})
		return
	}
	if report.StatsJSON != "" {
		detail.Stats = json.RawMessage(report.StatsJSON)
	}
	if report.ContributionsJSON != "" {
		detail.Contributions = json.RawMessage(report.ContributionsJSON)
	}

	c.JSON(http.StatusOK, detail)
}

// DownloadCSV 下载特征 CSV
// GET /api/reports/:id/csv
func (h *ExtractionHandler) DownloadCSV(c *gin.Context) {
	report, ok := h.findReport(c)
	if !ok {
		return
	}

	if report.Status != domain.ReportStatusCompleted || report.CSVPath == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "报告尚未完成",
			"status": report.Status,
		})
		return
	}
	if _, err := os.Stat(report.CSVPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "CSV 文件不存在"})
		return
	}

	c.FileAttachment(report.CSVPath, report.TaskID+".csv")
}

func (h *ExtractionHandler) findReport(c *gin.Context) (*domain.FeatureReport, bool) {
	report, err := h.svc.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "报告不存在"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "获取报告失败"})
		}
		return nil, false
	}
	return report, true
}
