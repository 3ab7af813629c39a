// Package llm 提供基于 OpenAI 兼容 chat completions 接口的帧内容分类客户端。
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/embedding"
)

// DefaultPrompt 是未配置 llm.prompt 时使用的系统提示词。
const DefaultPrompt = `You label video frames. Reply with a single JSON object with the keys:
"topics" (array of short strings), "content_types" (array of strings such as "screen", "slide", "code", "person"),
"urls" (array of URLs visible in the frame), "flagged" (boolean, true when the frame shows sensitive data),
"sensitive_info" (short description, empty when not flagged). Do not add any other text.`

// Categorizer 根据帧的文本与图像给出结构化分类。
type Categorizer interface {
	Categorize(ctx context.Context, text string, image *embedding.Image) (*model.Categorization, error)
}

// Message 表示一条角色消息，Content 可以是字符串或多模态分段数组。
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client 调用 chat completions 接口完成分类。
type Client struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient 创建 LLM 分类客户端。
func NewClient(cfg config.LLMConfig) *Client {
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, client: &http.Client{Timeout: 2 * time.Minute}}
}

// Categorize 把帧文本（以及图像，若有）发给模型，解析返回的 JSON 对象。
func (c *Client) Categorize(ctx context.Context, text string, image *embedding.Image) (*model.Categorization, error) {
	user := any(text)
	if image != nil && len(image.Data) > 0 {
		parts := []contentPart{{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)},
		}}
		if text != "" {
			parts = append(parts, contentPart{Type: "text", Text: text})
		}
		user = parts
	}

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: c.cfg.Prompt},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	// 从配置注入生成参数（若非零值）
	if c.cfg.Temperature != 0 {
		t := c.cfg.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.MaxTokens != 0 {
		m := c.cfg.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w: %v", model.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %v", model.ErrRateLimited, err)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
		}
		return nil, err
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat api returned no choices: %w", model.ErrTransientIO)
	}
	return parseCategorization(parsed.Choices[0].Message.Content)
}

// parseCategorization 解析模型输出，容忍 ```json 代码块包裹。
func parseCategorization(content string) (*model.Categorization, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var out model.Categorization
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("categorization is not valid json: %w", err)
	}
	return &out, nil
}
