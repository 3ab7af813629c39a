// Package embedding provides a rate-limited client for a multimodal embedding service.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/retry"

	"go.uber.org/zap"
)

// 请求的 input_type 取值。
const (
	InputTypeDocument = "document"
	InputTypeQuery    = "query"
)

// Image 是随文本一起嵌入的图片。
type Image struct {
	Data     []byte
	MIMEType string // 为空时按 image/jpeg 处理
}

// BatchItem 是批量嵌入中的一项：若干段文本加上可选的一张图片，对应一个向量。
type BatchItem struct {
	Texts []string
	Image *Image
}

// Client defines the interface for an embedding client.
type Client interface {
	Embed(ctx context.Context, text string, image *Image) ([]float32, error)
	EmbedBatch(ctx context.Context, items []BatchItem) ([][]float32, error)
}

// QueryEmbedder 为检索查询生成向量（input_type=query）。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Usage 是客户端累计的用量。
type Usage struct {
	Requests    int64
	TotalTokens int64
}

// Option 配置 RateLimitedClient。
type Option func(*RateLimitedClient)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RateLimitedClient) { c.httpClient = hc }
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(c *RateLimitedClient) { c.now = now }
}

// WithMinInterval 覆盖由 requests_per_minute 推导出的最小间隔。
func WithMinInterval(d time.Duration) Option {
	return func(c *RateLimitedClient) { c.minInterval = d }
}

// RateLimitedClient 调用多模态嵌入接口，按 key 限速并在多个 key 之间轮换。
type RateLimitedClient struct {
	cfg         config.EmbeddingConfig
	httpClient  *http.Client
	log         *zap.SugaredLogger
	backoff     retry.Policy
	now         func() time.Time
	minInterval time.Duration

	mu   sync.Mutex
	pool *CredentialPool

	requests atomic.Int64
	tokens   atomic.Int64
}

// NewClient creates a rate-limited embedding client from the config.
func NewClient(cfg config.EmbeddingConfig, logger *zap.SugaredLogger, opts ...Option) (*RateLimitedClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &RateLimitedClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
		now:        time.Now,
		backoff: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      0.1,
			Retryable:   model.IsRetryable,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	var (
		pool *CredentialPool
		err  error
	)
	if c.minInterval > 0 {
		pool, err = NewCredentialPoolWithInterval(cfg.APIKeys, c.minInterval)
	} else {
		pool, err = NewCredentialPool(cfg.APIKeys, cfg.RequestsPerMinute)
	}
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

// Usage 返回累计的请求数与 token 数。
func (c *RateLimitedClient) Usage() Usage {
	return Usage{Requests: c.requests.Load(), TotalTokens: c.tokens.Load()}
}

// Pool 返回凭证池当前状态的副本。
func (c *RateLimitedClient) Pool() CredentialPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Clone()
}

// Model 返回使用的模型名。
func (c *RateLimitedClient) Model() string { return c.cfg.Model }

// Embed 为一段文本（可附带一张图片）生成一个向量。
func (c *RateLimitedClient) Embed(ctx context.Context, text string, image *Image) ([]float32, error) {
	vectors, err := c.call(ctx, []BatchItem{{Texts: []string{text}, Image: image}}, InputTypeDocument)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedQuery 为检索查询生成向量。
func (c *RateLimitedClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.call(ctx, []BatchItem{{Texts: []string{text}}}, InputTypeQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 一次请求为多项输入生成向量，返回顺序与 items 一致。
func (c *RateLimitedClient) EmbedBatch(ctx context.Context, items []BatchItem) ([][]float32, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return c.call(ctx, items, InputTypeDocument)
}

type contentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

type multimodalInput struct {
	Content []contentPart `json:"content"`
}

type embeddingRequest struct {
	Model     string            `json:"model"`
	Inputs    []multimodalInput `json:"inputs"`
	InputType string            `json:"input_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func buildRequest(modelName string, items []BatchItem, inputType string) (embeddingRequest, error) {
	req := embeddingRequest{Model: modelName, InputType: inputType, Inputs: make([]multimodalInput, 0, len(items))}
	for i, item := range items {
		var parts []contentPart
		if item.Image != nil && len(item.Image.Data) > 0 {
			mime := item.Image.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, contentPart{
				Type:        "image_base64",
				ImageBase64: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(item.Image.Data),
			})
		}
		for _, t := range item.Texts {
			if strings.TrimSpace(t) == "" {
				continue
			}
			parts = append(parts, contentPart{Type: "text", Text: t})
		}
		if len(parts) == 0 {
			return req, fmt.Errorf("batch item %d has neither text nor image: %w", i, model.ErrInvalid)
		}
		req.Inputs = append(req.Inputs, multimodalInput{Content: parts})
	}
	return req, nil
}

// call 执行一次带限速、轮换和重试的请求。
func (c *RateLimitedClient) call(ctx context.Context, items []BatchItem, inputType string) ([][]float32, error) {
	req, err := buildRequest(c.cfg.Model, items, inputType)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	attempts := c.backoff.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	backoffStep := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		idx, err := c.acquire(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		vectors, retryAfter, err := c.send(ctx, idx, body, len(items))
		if err == nil {
			c.afterSuccess()
			return vectors, nil
		}
		lastErr = err
		if !c.backoff.ShouldRetry(err) || attempt == attempts {
			break
		}

		if errors.Is(err, model.ErrRateLimited) {
			ready := c.penalize(idx, retryAfter)
			c.log.Warnf("[EmbeddingClient] key #%d 被限流, attempt %d/%d, 其他 key 可用: %v", idx, attempt, attempts, ready)
			if ready {
				continue
			}
		} else {
			c.log.Warnf("[EmbeddingClient] 调用失败, attempt %d/%d, error: %v", attempt, attempts, err)
		}
		backoffStep++
		if err := retry.Sleep(ctx, c.backoff.Delay(backoffStep)); err != nil {
			return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	c.log.Errorf("[EmbeddingClient] 调用 Embedding API 最终失败, error: %v", lastErr)
	return nil, fmt.Errorf("embedding request failed: %w", lastErr)
}

// acquire 在锁内预定一个 key 的调用时刻，然后在锁外等待到该时刻。
func (c *RateLimitedClient) acquire(ctx context.Context) (int, error) {
	c.mu.Lock()
	now := c.now()
	idx, wait := c.pool.Next(now)
	if wait < 0 {
		wait = 0
	}
	c.pool.MarkUsed(idx, now.Add(wait))
	c.mu.Unlock()

	if wait > 0 {
		c.log.Debugf("[EmbeddingClient] 所有 key 均未就绪, 等待 %s 使用 key #%d", wait, idx)
		if err := retry.Sleep(ctx, wait); err != nil {
			return idx, err
		}
	}
	return idx, nil
}

// penalize 推迟被限流 key 的可用时间，返回此刻是否还有其他就绪的 key。
func (c *RateLimitedClient) penalize(idx int, retryAfter time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	penalty := 2 * c.pool.MinInterval()
	if retryAfter > penalty {
		penalty = retryAfter
	}
	c.pool.Penalize(idx, now.Add(penalty))
	return c.pool.HasReady(now)
}

func (c *RateLimitedClient) afterSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Rotate(rand.Float64(), c.cfg.RotateProbability)
}

// send 发送一次 HTTP 请求并把失败归类为 RateLimited / TransientIO / Invalid。
func (c *RateLimitedClient) send(ctx context.Context, idx int, body []byte, expected int) ([][]float32, time.Duration, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/multimodalembeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create embedding request: %v: %w", err, model.ErrInvalid)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	key := c.pool.Key(idx)
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+key)

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("failed to call embedding api: %v: %w", err, model.ErrTransientIO)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("embedding api returned 429: %w", model.ErrRateLimited)
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("embedding api returned %s: %s: %w", resp.Status, strings.TrimSpace(string(msg)), model.ErrTransientIO)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("embedding api returned %s: %s: %w", resp.Status, strings.TrimSpace(string(msg)), model.ErrInvalid)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, 0, fmt.Errorf("failed to decode embedding response: %v: %w", err, model.ErrTransientIO)
	}
	c.tokens.Add(er.Usage.TotalTokens)

	if len(er.Data) == 0 {
		return nil, 0, fmt.Errorf("received empty embedding from api: %w", model.ErrTransientIO)
	}
	if len(er.Data) != expected {
		return nil, 0, fmt.Errorf("received %d embeddings for %d inputs: %w", len(er.Data), expected, model.ErrTransientIO)
	}
	sort.SliceStable(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		if len(d.Embedding) == 0 {
			return nil, 0, fmt.Errorf("embedding %d is empty: %w", i, model.ErrTransientIO)
		}
		if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
			return nil, 0, fmt.Errorf("embedding %d has dimension %d, want %d: %w", i, len(d.Embedding), c.cfg.Dimensions, model.ErrInvalid)
		}
		out[i] = d.Embedding
	}
	c.log.Debugf("[EmbeddingClient] 成功获取 %d 个向量, key #%d", len(out), idx)
	return out, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
