package api

import (
	"context"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/queue"
	"github.com/apk-analysis/apk-feature-go/internal/worker"
)

// QueueDispatcher 通过 RabbitMQ 投递任务
type QueueDispatcher struct {
	producer *queue.Producer
}

func NewQueueDispatcher(producer *queue.Producer) *QueueDispatcher {
	return &QueueDispatcher{producer: producer}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, report *domain.FeatureReport) error {
	return d.producer.PublishTask(ctx, &queue.TaskMessage{
		TaskID:  report.TaskID,
		APKName: report.APKName,
		APKPath: report.APKPath,
	})
}

// PoolDispatcher 未启用 RabbitMQ 时直接提交到本地 Worker Pool
type PoolDispatcher struct {
	pool  *worker.Pool
	block bool
}

// NewPoolDispatcher 队列满时立即返回 worker.ErrQueueFull
func NewPoolDispatcher(pool *worker.Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

// NewBlockingPoolDispatcher 队列满时等待空位，用于启动恢复这类批量投递
func NewBlockingPoolDispatcher(pool *worker.Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool, block: true}
}

func (d *PoolDispatcher) Dispatch(ctx context.Context, report *domain.FeatureReport) error {
	task := &worker.Task{
		ID:      report.TaskID,
		APKPath: report.APKPath,
		APKName: report.APKName,
		Source:  report.Source,
	}
	if d.block {
		return d.pool.Enqueue(ctx, task)
	}
	return d.pool.Submit(task)
}
