package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// TaskMessage 提取任务消息
type TaskMessage struct {
	TaskID     string    `json:"task_id"`
	APKName    string    `json:"apk_name"`
	APKPath    string    `json:"apk_path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate 必填字段
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return errors.New("task_id is required")
	}
	if m.APKPath == "" {
		return errors.New("apk_path is required")
	}
	return nil
}

// Producer 消息生产者
type Producer struct {
	broker Broker
	retry  *retry.Config
	logger *logrus.Logger
}

// NewProducer 创建生产者；发布失败按指数退避重试
func NewProducer(broker Broker, logger *logrus.Logger) *Producer {
	rc := retry.DefaultConfig()
	rc.Timeout = 30 * time.Second
	rc.Logger = logger
	return &Producer{
		broker: broker,
		retry:  rc,
		logger: logger,
	}
}

// PublishTask 发布任务消息
func (p *Producer) PublishTask(ctx context.Context, msg *TaskMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid task message: %w", err)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.broker.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":  msg.TaskID,
		"apk_name": msg.APKName,
	}).Info("Task published to queue")
	return nil
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.broker.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
