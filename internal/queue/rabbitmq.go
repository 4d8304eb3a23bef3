package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 通道不可用
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// URL 连接地址，vhost 按 AMQP URI 规则转义
func (c *RabbitMQConfig) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}
	return uri.String()
}

// Broker 生产者和消费者依赖的队列操作
type Broker interface {
	Publish(ctx context.Context, body []byte) error
	Consume() (<-chan amqp.Delivery, error)
	GetQueueStats() (messageCount, consumerCount int, err error)
	StartConnectionWatcher()
	GetReconnectChan() <-chan bool
	Reconnect() error
}

// RabbitMQ RabbitMQ 客户端
//
// 主队列声明了死信交换机，处理失败且不再重试的消息进入 "<queue>.failed"。
type RabbitMQ struct {
	config        *RabbitMQConfig
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	queueName     string
	reconnect     chan bool
	maxRetries    int
	prefetchCount int // 应与 worker 数量匹配

	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端，prefetchCount 与消费 worker 数一致以便并行消费
func NewRabbitMQ(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		reconnect:     make(chan bool, 10),
		maxRetries:    10,
		prefetchCount: prefetchCount,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// DeadLetterQueue 死信队列名
func DeadLetterQueue(queueName string) string {
	return queueName + ".failed"
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := mq.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"heartbeat":      mq.config.Heartbeat,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// declare QoS、死信队列和主队列
func (mq *RabbitMQ) declare(ch *amqp.Channel) error {
	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	dlq := DeadLetterQueue(mq.queueName)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	_, err := ch.QueueDeclare(
		mq.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// StartConnectionWatcher 监听 Connection 和 Channel 关闭事件，直到主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			var ok bool
			select {
			case err, ok = <-connNotify:
			case err, ok = <-channelNotify:
			}

			if !ok && mq.isClosed() {
				mq.logger.Debug("Connection watcher stopped: client closed")
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()

			// 等待重连换上新的通知通道
			for !mq.isClosed() && !mq.notifyReplaced(channelNotify) {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}()
}

func (mq *RabbitMQ) notifyReplaced(old chan *amqp.Error) bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.channelNotify != old
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 非阻塞发送重连信号
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接，间隔线性递增
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		if mq.isClosed() {
			return ErrNotConnected
		}
		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", attempt, mq.maxRetries)

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Error("Failed to reconnect")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}

		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		mq.queueName, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// GetQueueStats 获取队列统计信息
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, 0, err
	}

	q, err := ch.QueueDeclarePassive(mq.queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(mq.queueName),
	})
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// PurgeQueue 清空队列中的所有消息
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.queueName,
		"purged_count": count,
	}).Info("Queue purged successfully")
	return count, nil
}
