// Package retry 分类器调用和消息投递使用的重试工具
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 表示不限制
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         2 * time.Minute,
	}
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool { return e.retryable }
func (e *retryableError) Unwrap() error     { return e.error }

// NewRetryableError 标记为可重试
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 标记为不可重试
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// StatusError 远端返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable 429 和 5xx 可重试，其余 4xx 是请求本身的问题
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CheckResponse 把非 2xx 响应转换为 *StatusError，响应体最多保留 512 字节
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		start := time.Now()
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      attempts,
			"duration": time.Since(start),
			"error":    err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == attempts {
			break
		}

		wait := Backoff(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// Backoff 第 attempt 次失败后的等待时间
func Backoff(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		next = initial * time.Duration(1<<shift)
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
