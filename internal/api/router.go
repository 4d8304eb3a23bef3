package api

import (
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/api/handlers"
	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// SetupRouter 注册路由；dispatcher、memMonitor、promMetrics 均可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, svc service.ExtractionService, dispatcher service.TaskDispatcher, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	maxUpload := int64(cfg.Server.MaxUploadMB) << 20
	r.MaxMultipartMemory = 32 << 20

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	extractionHandler := handlers.NewExtractionHandler(svc, dispatcher, cfg.Features.UploadDir, maxUpload, logger)
	healthHandler := handlers.NewHealthHandler(svc, memMonitor, Version)
	auth := middleware.TokenAuth(cfg.Server.APIToken)

	v1 := r.Group("/api")
	{
		v1.GET("/health", healthHandler.Health)
		v1.GET("/schema", extractionHandler.GetSchema)

		// 提取
		v1.POST("/extract", auth, extractionHandler.Extract)
		v1.POST("/tasks", auth, extractionHandler.CreateTask)

		// 报告
		v1.GET("/reports", extractionHandler.ListReports)
		v1.GET("/reports/:id", extractionHandler.GetReport)
		v1.GET("/reports/:id/csv", extractionHandler.DownloadCSV)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
