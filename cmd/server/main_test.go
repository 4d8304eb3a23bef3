package main

import (
	"context"
	"io"
	"testing"

	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/apk-analysis/apk-feature-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetupMonitoring 关闭 enable_metrics 时采样仍然可用，只是不对外暴露
func TestSetupMonitoring(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, logger)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	pool := worker.NewPool(2, 4, worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) error { return nil }), logger)
	recorder := middleware.NewPrometheusMetrics(logger, "test")

	tests := []struct {
		name    string
		enabled bool
	}{
		{"指标关闭", false},
		{"指标开启", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon, routerMetrics := setupMonitoring(&config.ServerConfig{EnableMetrics: tt.enabled}, recorder, pool, sqlDB, logger)
			if tt.enabled {
				assert.Same(t, recorder, routerMetrics)
			} else {
				assert.Nil(t, routerMetrics)
			}

			require.NotPanics(t, mon.Sample)
			assert.Greater(t, mon.GetStats().Goroutines, 0)
		})
	}
}
