package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"okami/internal/config"
	"okami/internal/errorx"
)

const maxBatchSize = 100

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewEmbedder builds an embedder from config. Provider "hash" yields a
// deterministic offline embedder; anything else is treated as
// OpenAI-compatible.
func NewEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	if cfg.Provider == "hash" {
		return NewHashEmbedder(0), nil
	}
	return newOpenAIEmbedder(cfg)
}

type openaiEmbedder struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
}

func newOpenAIEmbedder(cfg config.EmbedderConfig) (*openaiEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &openaiEmbedder{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
	}, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}
	if len(texts) > maxBatchSize {
		return nil, fmt.Errorf("batch size exceeds limit: %d > %d", len(texts), maxBatchSize)
	}

	results := make([][]float32, len(texts))
	uncachedIdx := []int{}
	uncached := []string{}
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		uncachedIdx = append(uncachedIdx, i)
		uncached = append(uncached, text)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	embeddings, err := errorx.RetryWithResult(ctx, errorx.DefaultRetryConfig(), func(ctx context.Context) ([][]float32, error) {
		return e.callAPI(ctx, uncached)
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	for i, idx := range uncachedIdx {
		e.cache.Add(texts[idx], embeddings[i])
		results[idx] = embeddings[i]
	}
	return results, nil
}

// Dimensions reports the model's vector width (1536 for
// text-embedding-3-small).
func (e *openaiEmbedder) Dimensions() int { return 1536 }

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errorx.IsCancelled(err) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errorx.TransientError{Err: err, Message: "embedder transport error"}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		base := fmt.Errorf("embeddings API status %d: %s", resp.StatusCode, string(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &errorx.TransientError{Err: base, StatusCode: resp.StatusCode}
		}
		return nil, &errorx.PermanentError{Err: base, StatusCode: resp.StatusCode}
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid index in response: %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	return embeddings, nil
}
