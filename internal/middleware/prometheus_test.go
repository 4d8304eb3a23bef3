package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 每个实例有独立 Registry，namespace 可以复用
	return NewPrometheusMetrics(logger, "test")
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.Registry())
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.extractionsTotal)
	assert.NotNil(t, pm.featureHits)
	assert.NotNil(t, pm.predictionsTotal)

	// 两个实例互不冲突
	assert.NotPanics(t, func() { setupTestMetrics(t) })
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	for _, path := range []string{"/test", "/test", "/missing"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/test", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestRecordExtraction 测试提取指标记录
func TestRecordExtraction(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordExtractionStarted()
	pm.RecordExtractionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.extractionsInProgress))

	pm.RecordExtraction("upload", "completed", 1500*time.Millisecond, features.Stats{
		Methods:          120,
		Malformed:        2,
		TruncatedMethods: 1,
		PermissionHits:   3,
		ComponentHits:    1,
		InvocationHits:   4,
		IntentHits:       2,
	})
	pm.RecordExtraction("", "failed", time.Second, features.Stats{})

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.extractionsInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.extractionsTotal.WithLabelValues("upload", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.extractionsTotal.WithLabelValues("unknown", "failed")))
	assert.Equal(t, 120.0, testutil.ToFloat64(pm.methodsScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.malformedOperands))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.truncatedMethods))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.featureHits.WithLabelValues("permission")))
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.featureHits.WithLabelValues("invocation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.featureHits.WithLabelValues("intent")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.extractionDuration))
}

// TestRecordPrediction 测试分类器指标
func TestRecordPrediction(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordPrediction("malware")
	pm.RecordPrediction("malware")
	pm.RecordPrediction("benign")
	pm.RecordClassifierError()

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.predictionsTotal.WithLabelValues("malware")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.predictionsTotal.WithLabelValues("benign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.classifierErrorsTotal))
}

// TestUpdateGauges 测试系统、Worker Pool、数据库指标
func TestUpdateGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 4096, Goroutines: 12, NumGC: 3})
	pm.UpdateWorkerPoolStats(4, 2, 7)
	pm.UpdateDBStats(5, 3, 2)

	assert.Equal(t, 4096.0, testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 12.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.gcCount))
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workerPoolQueueSize))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.dbConnectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.dbConnectionsInUse))
}

// TestHandler 测试指标导出
func TestHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordPrediction("benign")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `test_predictions_total{label="benign"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

// TestMemoryMonitor_Sample 测试内存采样与回调
func TestMemoryMonitor_Sample(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pm := setupTestMetrics(t)

	sampled := 0
	monitor := NewMemoryMonitor(logger, time.Hour, pm.UpdateMemoryStats, func() { sampled++ })
	monitor.Sample()

	stats := monitor.GetStats()
	assert.Greater(t, stats.Sys, uint64(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.Equal(t, 1, sampled)
	assert.Greater(t, testutil.ToFloat64(pm.memoryUsage), 0.0)

	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}

type fakePool struct{ size, active, queued int }

func (p fakePool) Size() int          { return p.size }
func (p fakePool) ActiveWorkers() int { return p.active }
func (p fakePool) GetQueueSize() int  { return p.queued }

// TestSamplers 采样器绑定创建时的收集器，之后变量被置空也不受影响
func TestSamplers(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pm := setupTestMetrics(t)
	recorder := pm

	gdb, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, logger)
	require.NoError(t, err)
	db, err := gdb.DB()
	require.NoError(t, err)
	defer db.Close()

	monitor := NewMemoryMonitor(logger, time.Hour, pm.UpdateMemoryStats,
		pm.WorkerPoolSampler(fakePool{size: 4, active: 1, queued: 3}),
		pm.DBSampler(db),
	)

	// 关闭 /metrics 暴露时调用方会丢弃这个变量
	pm = nil
	require.NotPanics(t, monitor.Sample)

	assert.Equal(t, 4.0, testutil.ToFloat64(recorder.workerPoolSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.workerPoolActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.workerPoolQueueSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.dbConnectionsOpen))
}

// TestTokenAuth 测试写接口鉴权
func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"未配置令牌放行", "", "", http.StatusOK},
		{"缺少令牌", "secret", "", http.StatusUnauthorized},
		{"格式错误", "secret", "Token secret", http.StatusUnauthorized},
		{"令牌错误", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"令牌正确", "secret", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/write", TokenAuth(tt.token), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/write", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
