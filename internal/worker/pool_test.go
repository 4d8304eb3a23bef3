package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestPool_SubmitAndWait 测试同步等待结果
func TestPool_SubmitAndWait(t *testing.T) {
	boom := errors.New("not a zip")
	pool := NewPool(2, 4, ExecutorFunc(func(ctx context.Context, task *Task) error {
		if task.APKPath == "bad.apk" {
			return boom
		}
		return nil
	}), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	assert.NoError(t, pool.SubmitAndWait(ctx, &Task{APKPath: "good.apk", Source: domain.SourceInbound}))
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{APKPath: "bad.apk"}), boom)
}

// TestPool_ConcurrentExecution 多个 Worker 并行执行
func TestPool_ConcurrentExecution(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	pool := NewPool(3, 10, ExecutorFunc(func(ctx context.Context, task *Task) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), quietLogger())
	pool.Start(context.Background())

	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(&Task{APKPath: "a.apk"}))
	}
	assert.Eventually(t, func() bool { return pool.ActiveWorkers() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	pool.Stop()

	assert.EqualValues(t, 3, peak.Load())
	assert.Equal(t, 0, pool.ActiveWorkers())
	assert.Equal(t, 3, pool.Size())
}

// TestPool_QueueFull 队列满时拒绝
func TestPool_QueueFull(t *testing.T) {
	pool := NewPool(1, 1, ExecutorFunc(func(ctx context.Context, task *Task) error { return nil }), quietLogger())
	// 不启动 Worker，队列只能放一个
	require.NoError(t, pool.Submit(&Task{APKPath: "a.apk"}))
	assert.Equal(t, 1, pool.GetQueueSize())
	assert.ErrorIs(t, pool.Submit(&Task{APKPath: "b.apk"}), ErrQueueFull)
}

// TestPool_StopDrainsQueue 停止时执行完已排队任务，之后拒绝提交
func TestPool_StopDrainsQueue(t *testing.T) {
	var done atomic.Int32
	pool := NewPool(1, 5, ExecutorFunc(func(ctx context.Context, task *Task) error {
		done.Add(1)
		return nil
	}), quietLogger())
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(&Task{APKPath: "a.apk"}))
	}
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	assert.EqualValues(t, 3, done.Load())
	assert.ErrorIs(t, pool.Submit(&Task{}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitAndWait(context.Background(), &Task{}), ErrPoolStopped)
}

// TestPool_SubmitAndWait_Canceled 等待期间取消
func TestPool_SubmitAndWait_Canceled(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, ExecutorFunc(func(ctx context.Context, task *Task) error {
		<-block
		return nil
	}), quietLogger())
	pool.Start(context.Background())
	defer func() {
		close(block)
		pool.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{APKPath: "slow.apk"}), context.DeadlineExceeded)
}

// TestPool_Enqueue 队列满时阻塞等待空位
func TestPool_Enqueue(t *testing.T) {
	var done atomic.Int32
	pool := NewPool(1, 1, ExecutorFunc(func(ctx context.Context, task *Task) error {
		done.Add(1)
		return nil
	}), quietLogger())

	// Worker 未启动，第二个任务等不到空位
	require.NoError(t, pool.Enqueue(context.Background(), &Task{APKPath: "a.apk"}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Enqueue(ctx, &Task{APKPath: "b.apk"}), context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Enqueue(context.Background(), &Task{APKPath: "c.apk"}) }()
	pool.Start(context.Background())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return after workers started")
	}
	pool.Stop()

	assert.EqualValues(t, 2, done.Load())
	assert.ErrorIs(t, pool.Enqueue(context.Background(), &Task{}), ErrPoolStopped)
}
