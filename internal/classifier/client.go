// Package classifier 调用外部模型服务，对特征向量给出良性/恶意判定和逐特征贡献
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/retry"
)

// 判定标签，模型输出 1 为恶意
const (
	LabelMalicious = "Malicious"
	LabelBenign    = "Benign"
)

// Classifier 分类器
type Classifier interface {
	Predict(ctx context.Context, schema *features.Schema, v features.Vector) (*Prediction, error)
}

// Config 客户端配置
type Config struct {
	ServerURL  string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client 模型服务 HTTP 客户端
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	retry      *retry.Config
	logger     *logrus.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxRetries + 1
	if cfg.RetryDelay > 0 {
		rc.InitialInterval = cfg.RetryDelay
	}
	rc.Logger = logger

	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		retry:      rc,
		logger:     logger,
	}
}

// PredictRequest 请求体：单行特征 + 列名
type PredictRequest struct {
	Model         string   `json:"model"`
	SchemaVersion string   `json:"schema_version"`
	FeatureNames  []string `json:"feature_names"`
	Features      []int    `json:"features"`
}

// PredictResponse 响应体
type PredictResponse struct {
	Prediction    int                `json:"prediction"`
	Probability   float64            `json:"probability"`
	Contributions map[string]float64 `json:"contributions"` // 预测类别上的 SHAP 值
}

// Contribution 单个特征对预测类别的贡献
type Contribution struct {
	Feature string  `json:"feature"`
	Value   int     `json:"value"`
	Weight  float64 `json:"weight"`
}

// Prediction 判定结果
type Prediction struct {
	Class         int            `json:"class"`
	Label         string         `json:"label"`
	Probability   float64        `json:"probability"`
	Model         string         `json:"model"`
	Contributions []Contribution `json:"contributions,omitempty"`
}

// LabelFor 模型输出转标签
func LabelFor(class int) string {
	if class == 1 {
		return LabelMalicious
	}
	return LabelBenign
}

// Predict 提交特征向量，5xx / 429 / 网络错误会按配置重试
func (c *Client) Predict(ctx context.Context, schema *features.Schema, v features.Vector) (*Prediction, error) {
	if err := v.Validate(schema); err != nil {
		return nil, fmt.Errorf("invalid vector: %w", err)
	}

	reqBody := PredictRequest{
		Model:         c.model,
		SchemaVersion: schema.Version(),
		FeatureNames:  schema.Names(),
		Features:      v,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	resp, err := retry.DoWithResult(ctx, c.retry, func(ctx context.Context) (*PredictResponse, error) {
		return c.send(ctx, jsonData)
	})
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	p := &Prediction{
		Class:         resp.Prediction,
		Label:         LabelFor(resp.Prediction),
		Probability:   resp.Probability,
		Model:         c.model,
		Contributions: rankContributions(schema, v, resp.Contributions),
	}

	c.logger.WithFields(logrus.Fields{
		"label":       p.Label,
		"probability": p.Probability,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Prediction received")
	return p, nil
}

func (c *Client) send(ctx context.Context, body []byte) (*PredictResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := retry.CheckResponse(resp); err != nil {
		return nil, err
	}

	var out PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to decode response: %w", err))
	}
	return &out, nil
}

// rankContributions 按权重绝对值降序；未知特征名丢弃
func rankContributions(schema *features.Schema, v features.Vector, weights map[string]float64) []Contribution {
	if len(weights) == 0 {
		return nil
	}
	out := make([]Contribution, 0, len(weights))
	for name, w := range weights {
		i, ok := schema.Index(name)
		if !ok {
			continue
		}
		out = append(out, Contribution{Feature: name, Value: v[i], Weight: w})
	}
	sort.Slice(out, func(a, b int) bool {
		wa, wb := math.Abs(out[a].Weight), math.Abs(out[b].Weight)
		if wa != wb {
			return wa > wb
		}
		return out[a].Feature < out[b].Feature
	})
	return out
}
