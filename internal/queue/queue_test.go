package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeBroker 内存中的 Broker
type fakeBroker struct {
	mu         sync.Mutex
	published  [][]byte
	failFirst  int
	deliveries chan amqp.Delivery
	reconnect  chan bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan amqp.Delivery, 10),
		reconnect:  make(chan bool, 1),
	}
}

func (b *fakeBroker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFirst > 0 {
		b.failFirst--
		return ErrNotConnected
	}
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Consume() (<-chan amqp.Delivery, error) { return b.deliveries, nil }
func (b *fakeBroker) GetQueueStats() (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published), 1, nil
}
func (b *fakeBroker) StartConnectionWatcher()       {}
func (b *fakeBroker) GetReconnectChan() <-chan bool { return b.reconnect }
func (b *fakeBroker) Reconnect() error              { return nil }

// ackRecorder 记录确认结果
type ackRecorder struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
	done    chan struct{}
}

func newAckRecorder() *ackRecorder { return &ackRecorder{done: make(chan struct{}, 10)} }

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for ack %d/%d", i+1, n)
		}
	}
}

func delivery(ack amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func taskBody(t *testing.T, msg TaskMessage) []byte {
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

// TestRabbitMQConfig_URL 测试连接地址
func TestRabbitMQConfig_URL(t *testing.T) {
	cfg := &RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "p@ss", VHost: "features"}
	uri, err := amqp.ParseURI(cfg.URL())
	require.NoError(t, err)
	assert.Equal(t, "mq", uri.Host)
	assert.Equal(t, 5672, uri.Port)
	assert.Equal(t, "p@ss", uri.Password)
	assert.Equal(t, "features", uri.Vhost)
	assert.Equal(t, "apk_feature_tasks.failed", DeadLetterQueue("apk_feature_tasks"))
}

// TestProducer_PublishTask 测试发布与重试
func TestProducer_PublishTask(t *testing.T) {
	broker := newFakeBroker()
	broker.failFirst = 1
	p := NewProducer(broker, quietLogger())
	p.retry.InitialInterval = time.Millisecond

	require.NoError(t, p.PublishTask(context.Background(), &TaskMessage{TaskID: "t1", APKName: "a.apk", APKPath: "/up/a.apk"}))
	require.Len(t, broker.published, 1)

	var got TaskMessage
	require.NoError(t, json.Unmarshal(broker.published[0], &got))
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "/up/a.apk", got.APKPath)
	assert.False(t, got.EnqueuedAt.IsZero())

	size, err := p.GetQueueSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

// TestProducer_InvalidMessage 缺少字段不发布
func TestProducer_InvalidMessage(t *testing.T) {
	broker := newFakeBroker()
	p := NewProducer(broker, quietLogger())
	assert.Error(t, p.PublishTask(context.Background(), &TaskMessage{APKPath: "/a.apk"}))
	assert.Error(t, p.PublishTask(context.Background(), &TaskMessage{TaskID: "t"}))
	assert.Empty(t, broker.published)
}

// TestConsumer_ProcessMessages 测试 Ack / 死信 / 非法消息
func TestConsumer_ProcessMessages(t *testing.T) {
	broker := newFakeBroker()
	var mu sync.Mutex
	var handled []string
	c := NewConsumer(broker, func(ctx context.Context, msg *TaskMessage) error {
		mu.Lock()
		handled = append(handled, msg.TaskID)
		mu.Unlock()
		if msg.TaskID == "bad" {
			return errors.New("not a zip")
		}
		return nil
	}, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())

	ack := newAckRecorder()
	broker.deliveries <- delivery(ack, 1, taskBody(t, TaskMessage{TaskID: "good", APKPath: "/a.apk"}))
	broker.deliveries <- delivery(ack, 2, taskBody(t, TaskMessage{TaskID: "bad", APKPath: "/b.apk"}))
	broker.deliveries <- delivery(ack, 3, []byte("{not json"))
	broker.deliveries <- delivery(ack, 4, taskBody(t, TaskMessage{TaskID: "no-path"}))
	ack.wait(t, 4)

	c.Stop()
	assert.False(t, c.IsRunning())

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2, 3, 4}, ack.nacked)
	assert.Equal(t, []bool{false, false, false}, ack.requeue)
	assert.Equal(t, []string{"good", "bad"}, handled)
}

// TestConsumer_RequeueOnShutdown 停机中断的任务重新入队
func TestConsumer_RequeueOnShutdown(t *testing.T) {
	broker := newFakeBroker()
	started := make(chan struct{})
	c := NewConsumer(broker, func(ctx context.Context, msg *TaskMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	ack := newAckRecorder()
	broker.deliveries <- delivery(ack, 7, taskBody(t, TaskMessage{TaskID: "slow", APKPath: "/s.apk"}))
	<-started
	assert.Eventually(t, func() bool { return c.GetActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	ack.wait(t, 1)
	assert.Equal(t, []uint64{7}, ack.nacked)
	assert.Equal(t, []bool{true}, ack.requeue)
}
