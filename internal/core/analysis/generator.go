package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	DefaultOllamaHost = "http://localhost:11434"
	DefaultModel      = "llama3:latest"
)

// Reply 是文本生成服务的原始回复
type Reply struct {
	Text     string
	Duration time.Duration // 服务端报告的耗时，未知时为 0
}

// Generator 把提示词提交给外部文本生成服务。
type Generator interface {
	Generate(ctx context.Context, prompt string) (Reply, error)
}

// OllamaClient 调用 Ollama 风格的 POST /api/generate 接口。
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates a client. host may omit the scheme ("localhost:11434").
func NewOllamaClient(host, model string, timeout time.Duration) *OllamaClient {
	if host == "" {
		host = DefaultOllamaHost
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(host, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response      string `json:"response"`
	TotalDuration int64  `json:"total_duration"` // 纳秒
	Error         string `json:"error"`
}

// Generate implements Generator.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (Reply, error) {
	body, err := json.Marshal(ollamaRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to read analysis response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out ollamaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Reply{}, fmt.Errorf("failed to parse analysis response: %w", err)
	}
	if out.Error != "" {
		return Reply{}, fmt.Errorf("analysis service error: %s", out.Error)
	}
	return Reply{Text: out.Response, Duration: time.Duration(out.TotalDuration)}, nil
}

// OpenAIClient 使用 OpenAI 兼容的 chat completions 接口。
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for any OpenAI-compatible endpoint.
func NewOpenAIClient(baseURL, apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" && baseURL == "" {
		return nil, errors.New("openai backend needs an api key or a base url")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

// Generate implements Generator.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (Reply, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Reply{}, fmt.Errorf("analysis request cancelled: %w", err)
		}
		return Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("chat completion returned no choices")
	}
	return Reply{Text: resp.Choices[0].Message.Content, Duration: time.Since(start)}, nil
}
