package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/api"
	"github.com/apk-analysis/apk-feature-go/internal/apk"
	"github.com/apk-analysis/apk-feature-go/internal/classifier"
	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/middleware"
	"github.com/apk-analysis/apk-feature-go/internal/queue"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/apk-analysis/apk-feature-go/internal/watcher"
	"github.com/apk-analysis/apk-feature-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "./configs/config.yaml", "配置文件路径")
	pflag.Parse()

	// 1. 打印版本信息
	fmt.Printf("APK Feature Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Feature Service %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 4. 初始化数据库（含连接池配置和表迁移）
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")
	reportRepo := repository.NewFeatureReportRepository(db, logger)

	// 5. 特征表
	schema := features.Drebin()
	if cfg.Features.SchemaFile != "" {
		if schema, err = features.LoadSchemaFile(cfg.Features.SchemaFile); err != nil {
			logger.Fatalf("Failed to load schema: %v", err)
		}
	}
	logger.WithFields(logrus.Fields{
		"version": schema.Version(),
		"size":    schema.Len(),
	}).Info("Feature schema loaded")

	// 6. 指标与服务
	promMetrics := middleware.NewPrometheusMetrics(logger, "")

	opener := apk.NewOpener(apk.Options{
		Backend:    cfg.Features.ManifestBackend,
		AaptPath:   cfg.Features.AaptPath,
		MaxDexSize: cfg.Features.MaxDexSize,
	}, logger)

	opts := []service.Option{service.WithRecorder(promMetrics)}
	if cfg.Classifier.Enabled {
		opts = append(opts, service.WithClassifier(classifier.NewClient(classifier.Config{
			ServerURL:  cfg.Classifier.ServerURL,
			Model:      cfg.Classifier.Model,
			Timeout:    cfg.Classifier.TimeoutDuration(),
			MaxRetries: cfg.Classifier.MaxRetries,
			RetryDelay: cfg.Classifier.RetryDelayDuration(),
		}, logger)))
		logger.Infof("Classifier enabled: %s (model %s)", cfg.Classifier.ServerURL, cfg.Classifier.Model)
	} else {
		logger.Info("Classifier disabled, reports carry features only")
	}

	svc := service.NewExtractionService(opener, features.NewExtractor(schema), reportRepo, cfg.Features.OutputDir, logger, opts...)

	// 7. Worker Pool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, worker.ServiceExecutor(svc), logger)
	workerPool.Start(ctx)
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	// 8. 任务投递：启用 RabbitMQ 时走消息队列，否则直接进入本地 Worker Pool
	var dispatcher service.TaskDispatcher = api.NewPoolDispatcher(workerPool)
	var mq *queue.RabbitMQ
	var consumer *queue.Consumer
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(&queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}, cfg.RabbitMQ.Queue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		producer := queue.NewProducer(mq, logger)
		dispatcher = api.NewQueueDispatcher(producer)

		consumer = queue.NewConsumer(mq, createTaskHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		logger.Infof("Task consumer started on queue %s", cfg.RabbitMQ.Queue)
	} else {
		logger.Info("RabbitMQ disabled, async tasks run on the local worker pool")
	}

	// 9. 恢复上次运行遗留的任务
	// 本地 Worker Pool 恢复时等待空位，积压任务多于 queue_size 也能全部投递
	var recoveryDispatcher service.TaskDispatcher = api.NewBlockingPoolDispatcher(workerPool)
	if mq != nil {
		recoveryDispatcher = dispatcher
	}
	recovery := service.NewRecovery(reportRepo, recoveryDispatcher, logger)
	if _, err := recovery.FailInterrupted(ctx); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted tasks")
	}
	if mq != nil {
		// 以数据库为准重建队列，先清空残留消息
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with requeue")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}
	}
	// 阻塞投递放到后台，不推迟 HTTP 服务启动
	go func() {
		if _, err := recovery.Requeue(ctx, domain.ReportStatusQueued); err != nil {
			logger.WithError(err).Warn("Failed to requeue queued tasks")
		}
	}()

	// 10. 投递目录监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Features.InboundDir != "" {
		fileWatcher, err = watcher.NewFileWatcher(cfg.Features.InboundDir, watcher.Options{ScanExisting: true},
			createFileHandler(svc, api.NewPoolDispatcher(workerPool), logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Features.InboundDir)
	}

	// 11. 内存与运行状态监控
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get sql.DB: %v", err)
	}
	memMonitor, routerMetrics := setupMonitoring(&cfg.Server, promMetrics, workerPool, sqlDB, logger)
	memMonitor.Start()

	// 12. HTTP Server
	router := api.SetupRouter(cfg, logger, svc, dispatcher, memMonitor, routerMetrics)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大文件上传
		WriteTimeout: 10 * time.Minute, // 同步提取大包耗时较长
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 14. 优雅关闭：先停入口，再停执行
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	workerPool.Stop()
	memMonitor.Stop()
	if mq != nil {
		mq.Close()
	}
	sqlDB.Close()

	logger.Info("Server stopped")
}

// createTaskHandler RabbitMQ 消息提交到 Worker Pool 并等待完成
func createTaskHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.TaskHandler {
	return func(ctx context.Context, msg *queue.TaskMessage) error {
		logger.WithFields(logrus.Fields{
			"task_id":  msg.TaskID,
			"apk_name": msg.APKName,
		}).Info("Received task from RabbitMQ, submitting to worker pool")

		task := &worker.Task{
			ID:      msg.TaskID,
			APKPath: msg.APKPath,
			APKName: msg.APKName,
			Source:  domain.SourceQueue,
		}
		if err := workerPool.SubmitAndWait(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", msg.TaskID, err)
		}
		return nil
	}
}

// createFileHandler 投递目录中的新 APK 建任务后交给 Worker Pool
func createFileHandler(svc service.ExtractionService, dispatcher service.TaskDispatcher, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)

		report, err := svc.CreateTask(ctx, fileName, filePath, domain.SourceInbound)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		if err := dispatcher.Dispatch(ctx, report); err != nil {
			if mErr := svc.MarkFailed(context.WithoutCancel(ctx), report.TaskID, err.Error()); mErr != nil {
				logger.WithError(mErr).WithField("task_id", report.TaskID).Warn("Failed to mark task failed")
			}
			return fmt.Errorf("failed to submit task: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"task_id":  report.TaskID,
			"apk_name": fileName,
		}).Info("Inbound APK submitted to worker pool")
		return nil
	}
}

// setupMonitoring 采样器总是写入 recorder；enable_metrics 关闭时只是不挂载 /metrics 路由，返回的 routerMetrics 为 nil
func setupMonitoring(cfg *config.ServerConfig, recorder *middleware.PrometheusMetrics, pool *worker.Pool, sqlDB *sql.DB, logger *logrus.Logger) (*middleware.MemoryMonitor, *middleware.PrometheusMetrics) {
	memMonitor := middleware.NewMemoryMonitor(logger, 15*time.Second, recorder.UpdateMemoryStats,
		recorder.WorkerPoolSampler(pool),
		recorder.DBSampler(sqlDB),
	)
	if !cfg.EnableMetrics {
		return memMonitor, nil
	}
	return memMonitor, recorder
}
