package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/apk"
	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/dex"
	"github.com/apk-analysis/apk-feature-go/internal/dex/dextest"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/apk-analysis/apk-feature-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticOpener 任意路径都返回同一个已构造的安装包
type staticOpener struct {
	pkg *apk.Package
}

func (o staticOpener) Open(ctx context.Context, path string) (*apk.Package, error) {
	return o.pkg, nil
}

func testPackage(t *testing.T) *apk.Package {
	t.Helper()
	b := dextest.New()
	exec := b.Method("Ljava/lang/Runtime;", "exec", "Ljava/lang/Process;", "Ljava/lang/String;")
	b.AddMethod("Lcom/example/Main;", "run", dextest.Code(
		dextest.Invoke(dex.OpInvokeVirtual, exec, 0, 1),
		dextest.ReturnVoid(),
	))
	pkg, err := apk.NewPackage(&apk.Manifest{
		Package:     "com.example",
		Permissions: []string{"android.permission.READ_SMS"},
	}, b.Bytes())
	require.NoError(t, err)
	return pkg
}

type testServer struct {
	router *gin.Engine
	token  string
}

// setupTestServer 真实的 service + sqlite 内存库 + 本地 Worker Pool
func setupTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.MaxUploadMB = 1
	cfg.Server.APIToken = "secret"
	cfg.Database = config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}
	cfg.Features.UploadDir = t.TempDir()

	db, err := repository.InitDB(&cfg.Database, logger)
	require.NoError(t, err)

	metrics := middleware.NewPrometheusMetrics(logger, "")
	svc := service.NewExtractionService(
		staticOpener{pkg: testPackage(t)},
		features.NewExtractor(features.Drebin()),
		repository.NewFeatureReportRepository(db, logger),
		t.TempDir(),
		logger,
		service.WithRecorder(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(2, 10, worker.ServiceExecutor(svc), logger)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	router := SetupRouter(cfg, logger, svc, NewPoolDispatcher(pool), nil, metrics)
	return &testServer{router: router, token: cfg.Server.APIToken}
}

func (s *testServer) upload(t *testing.T, url, filename string, auth bool) *httptest.ResponseRecorder {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("PK\x03\x04"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// TestRouter_Extract 测试同步提取全流程
func TestRouter_Extract(t *testing.T) {
	s := setupTestServer(t)

	w := s.upload(t, "/api/extract", "sample.apk", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.upload(t, "/api/extract", "sample.apk", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		TaskID  string   `json:"task_id"`
		Vector  []int    `json:"vector"`
		Matched []string `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Vector, features.Drebin().Len())
	assert.Equal(t, []string{"READ_SMS", "Ljava.lang.Runtime->exec"}, resp.Matched)

	w = s.get("/api/reports/" + resp.TaskID + "/csv")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("transact,")))

	w = s.get("/metrics/prometheus")
	assert.Contains(t, w.Body.String(), `apk_features_extractions_total{source="upload",status="completed"} 1`)
}

// TestRouter_AsyncTask 测试异步任务经 Worker Pool 完成
func TestRouter_AsyncTask(t *testing.T) {
	s := setupTestServer(t)

	w := s.upload(t, "/api/tasks", "queued.apk", true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.TaskID)

	require.Eventually(t, func() bool {
		w := s.get("/api/reports/" + created.TaskID)
		if w.Code != http.StatusOK {
			return false
		}
		var report struct {
			Status string `json:"status"`
		}
		return json.Unmarshal(w.Body.Bytes(), &report) == nil && report.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	w = s.get("/api/reports?status=completed")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.TaskID)

	w = s.get("/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed":1`)
}

// TestRouter_CORSPreflight 测试预检请求
func TestRouter_CORSPreflight(t *testing.T) {
	s := setupTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/extract", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
