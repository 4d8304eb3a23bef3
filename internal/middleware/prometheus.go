package middleware

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器，使用独立 Registry
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 提取指标
	extractionsTotal      *prometheus.CounterVec
	extractionsInProgress prometheus.Gauge
	extractionDuration    *prometheus.HistogramVec
	methodsScanned        prometheus.Counter
	malformedOperands     prometheus.Counter
	truncatedMethods      prometheus.Counter
	featureHits           *prometheus.CounterVec

	// 分类器指标
	predictionsTotal      *prometheus.CounterVec
	classifierErrorsTotal prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_features"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		extractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extractions_total",
				Help:      "Total number of feature extractions",
			},
			[]string{"source", "status"}, // source: upload/queue/inbound, status: completed/failed
		),
		extractionsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "extractions_in_progress",
				Help:      "Number of extractions currently running",
			},
		),
		extractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "Feature extraction duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		methodsScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "methods_scanned_total",
				Help:      "Total number of method bodies scanned",
			},
		),
		malformedOperands: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_instructions_total",
				Help:      "Invoke or const-string instructions whose operands could not be decoded",
			},
		),
		truncatedMethods: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "truncated_methods_total",
				Help:      "Method bodies that ended in the middle of an instruction",
			},
		),
		featureHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_hits_total",
				Help:      "Schema matches by category",
			},
			[]string{"category"}, // permission, component, invocation, intent
		),

		predictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Classifier verdicts by label",
			},
			[]string{"label"},
		),
		classifierErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_errors_total",
				Help:      "Classifier calls that failed after retries",
			},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of tasks waiting in queue",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// Registry 指标注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{Registry: pm.registry})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordExtractionStarted 记录提取开始
func (pm *PrometheusMetrics) RecordExtractionStarted() {
	pm.extractionsInProgress.Inc()
}

// RecordExtraction 记录提取结束及扫描统计
func (pm *PrometheusMetrics) RecordExtraction(source string, status string, duration time.Duration, stats features.Stats) {
	if source == "" {
		source = "unknown"
	}
	pm.extractionsInProgress.Dec()
	pm.extractionsTotal.WithLabelValues(source, status).Inc()
	pm.extractionDuration.WithLabelValues(status).Observe(duration.Seconds())

	pm.methodsScanned.Add(float64(stats.Methods))
	pm.malformedOperands.Add(float64(stats.Malformed))
	pm.truncatedMethods.Add(float64(stats.TruncatedMethods))
	pm.featureHits.WithLabelValues("permission").Add(float64(stats.PermissionHits))
	pm.featureHits.WithLabelValues("component").Add(float64(stats.ComponentHits))
	pm.featureHits.WithLabelValues("invocation").Add(float64(stats.InvocationHits))
	pm.featureHits.WithLabelValues("intent").Add(float64(stats.IntentHits))
}

// RecordPrediction 记录分类结果
func (pm *PrometheusMetrics) RecordPrediction(label string) {
	pm.predictionsTotal.WithLabelValues(label).Inc()
}

// RecordClassifierError 记录分类器调用失败
func (pm *PrometheusMetrics) RecordClassifierError() {
	pm.classifierErrorsTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}

// PoolStatsSource Worker Pool 运行状态
type PoolStatsSource interface {
	Size() int
	ActiveWorkers() int
	GetQueueSize() int
}

// WorkerPoolSampler 返回采样 Worker Pool 的 Sampler，创建时即绑定 pm
func (pm *PrometheusMetrics) WorkerPoolSampler(pool PoolStatsSource) Sampler {
	return func() {
		pm.UpdateWorkerPoolStats(pool.Size(), pool.ActiveWorkers(), pool.GetQueueSize())
	}
}

// DBSampler 返回采样连接池的 Sampler
func (pm *PrometheusMetrics) DBSampler(db *sql.DB) Sampler {
	return func() {
		s := db.Stats()
		pm.UpdateDBStats(s.OpenConnections, s.Idle, s.InUse)
	}
}
