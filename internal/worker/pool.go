package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Executor 执行单个提取任务
type Executor interface {
	Execute(ctx context.Context, task *Task) error
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, task *Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) error { return f(ctx, task) }

// ServiceExecutor 调用特征提取服务
func ServiceExecutor(svc service.ExtractionService) Executor {
	return ExecutorFunc(func(ctx context.Context, task *Task) error {
		_, err := svc.Extract(ctx, service.ExtractRequest{
			TaskID:  task.ID,
			APKPath: task.APKPath,
			APKName: task.APKName,
			Source:  task.Source,
		})
		return err
	})
}

// Task 任务
type Task struct {
	ID       string // 为空时由服务生成
	APKPath  string
	APKName  string
	Source   domain.ReportSource
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池；不同 APK 在各自的 goroutine 中提取，只共享只读特征表
type Pool struct {
	workers  int
	taskChan chan *Task
	executor Executor
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   atomic.Int32

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor Executor, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	logger := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"task_id":   task.ID,
		"apk_path":  task.APKPath,
	})
	logger.Info("Processing task")

	err := p.executor.Execute(ctx, task)
	if err != nil {
		logger.WithError(err).Error("Task execution failed")
	} else {
		logger.Info("Task completed successfully")
	}

	// 如果有结果通道，发送结果
	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("apk_path", task.APKPath).Debug("Task submitted to pool")
		return nil
	default:
		return fmt.Errorf("%w (size %d)", ErrQueueFull, cap(p.taskChan))
	}
}

// Enqueue 队列满时阻塞到有空位或 ctx 结束，不等待执行结果
func (p *Pool) Enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待已排队任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Size Worker 数量
func (p *Pool) Size() int {
	return p.workers
}

// ActiveWorkers 正在执行任务的 Worker 数
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}
