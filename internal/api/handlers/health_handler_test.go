package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestHealthHandler 测试健康检查
func TestHealthHandler(t *testing.T) {
	svc := &MockExtractionService{schema: testSchema}
	svc.On("GetStatusCounts", mock.Anything).Return(map[string]int64{
		"queued": 1, "extracting": 0, "completed": 5, "failed": 2,
	}, int64(8), nil)

	monitor := middleware.NewMemoryMonitor(testLogger(), time.Hour, nil)
	monitor.Sample()

	router := setupTestRouter()
	router.GET("/api/health", NewHealthHandler(svc, monitor, "1.0.0").Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test-v1", resp["schema_version"])
	assert.EqualValues(t, 8, resp["total"])
	assert.Contains(t, resp, "memory")
}

// TestHealthHandler_DatabaseDown 测试数据库不可用
func TestHealthHandler_DatabaseDown(t *testing.T) {
	svc := &MockExtractionService{schema: testSchema}
	svc.On("GetStatusCounts", mock.Anything).Return(nil, int64(0), errors.New("connection refused"))

	router := setupTestRouter()
	router.GET("/api/health", NewHealthHandler(svc, nil, "1.0.0").Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}
