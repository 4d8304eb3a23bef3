package main

import (
	"context"
	"fmt"
	"log"

	"github.com/apk-analysis/apk-feature-go/internal/api"
	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/queue"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/spf13/pflag"
)

// 把 failed（或 queued）任务重新发布到 RabbitMQ
func main() {
	configPath := pflag.StringP("config", "c", "./configs/config.yaml", "配置文件路径")
	status := pflag.String("status", string(domain.ReportStatusFailed), "重新入队的任务状态: failed / queued")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	mq, err := queue.NewRabbitMQ(&queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.Queue, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	recovery := service.NewRecovery(
		repository.NewFeatureReportRepository(db, logger),
		api.NewQueueDispatcher(queue.NewProducer(mq, logger)),
		logger,
	)

	n, err := recovery.Requeue(context.Background(), domain.ReportStatus(*status))
	if err != nil {
		log.Fatalf("Requeue failed: %v", err)
	}
	fmt.Printf("✅ 成功重新入队 %d 个任务\n", n)
}
