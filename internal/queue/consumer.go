package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// TaskHandler 任务处理函数
type TaskHandler func(ctx context.Context, msg *TaskMessage) error

// Consumer 消息消费者
type Consumer struct {
	broker        Broker
	logger        *logrus.Logger
	handler       TaskHandler
	workerPool    int
	workerWg      sync.WaitGroup
	activeWorkers int32
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(broker Broker, handler TaskHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}
	return &Consumer{
		broker:     broker,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
	}
}

// Start 启动消费者并监听重连
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	c.broker.StartConnectionWatcher()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.broker.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.Infof("Consumer started with %d workers", c.workerPool)
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debugf("Worker %d stopped by context", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			atomic.AddInt32(&c.activeWorkers, 1)
			c.processMessage(ctx, id, msg)
			atomic.AddInt32(&c.activeWorkers, -1)
		}
	}
}

// processMessage 成功 Ack；解析失败或提取失败进入死信队列；停机中断的任务重新入队
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg TaskMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false)
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).Error("Invalid task message")
		delivery.Nack(false, false)
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   msg.TaskID,
		"apk_name":  msg.APKName,
	})
	logger.Info("Processing task")

	if err := c.handler(ctx, &msg); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Warn("Task interrupted by shutdown, requeueing")
			delivery.Nack(false, true)
			return
		}
		logger.WithError(err).Error("Task processing failed")
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		logger.WithError(err).Error("Failed to acknowledge message")
	}
	logger.WithField("duration", time.Since(startTime).Seconds()).Info("Task completed successfully")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.broker.GetReconnectChan():
			if !ok {
				return
			}
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.broker.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待当前任务结束（最多 30 秒）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
