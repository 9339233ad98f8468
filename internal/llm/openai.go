package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"okami/internal/config"
	"okami/internal/errorx"
	"okami/internal/ids"
	"okami/internal/logging"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewOpenAIClient constructs a Completer from config. The base URL may point
// at any OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.LLMConfig) (Completer, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm"),
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
	Model string     `json:"model"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	requestID := ids.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = ids.NewRequestID()
	}
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	payload := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("%sPOST %s/chat/completions model=%s messages=%d", prefix, c.baseURL, c.model, len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errorx.IsCancelled(err) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errorx.TransientError{Err: err, Message: "completer transport error"}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errorx.TransientError{Err: err, Message: "completer read error"}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &errorx.TransientError{Err: err, Message: "completer returned malformed JSON"}
	}
	if parsed.Error != nil {
		return nil, &errorx.PermanentError{Err: fmt.Errorf("%s", parsed.Error.Message), StatusCode: resp.StatusCode}
	}
	if len(parsed.Choices) == 0 {
		return nil, &errorx.TransientError{Err: fmt.Errorf("completer returned no choices")}
	}

	content := parsed.Choices[0].Message.Content
	usage := parsed.Usage
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req.Messages, content)
	}

	out := &Response{
		Content: content,
		Usage:   usage,
		Model:   parsed.Model,
	}
	if call, ok := ParseToolCall(content); ok {
		out.ToolCall = call
	}

	c.logger.Debug("%scompletion ok tokens=%d tool_call=%v", prefix, usage.TotalTokens, out.IsToolCall())
	return out, nil
}

// classifyStatus maps HTTP errors onto the transient/fatal split: 5xx,
// timeouts and 429 retry; auth, quota and malformed requests do not.
func classifyStatus(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	base := fmt.Errorf("completer status %d: %s", code, msg)

	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		return &errorx.TransientError{Err: base, StatusCode: code}
	default:
		return &errorx.PermanentError{Err: base, StatusCode: code}
	}
}
