package memory

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
)

// SidecarClient speaks the mem0-compatible HTTP memory API. It mirrors
// primary-path saves and contributes extra search hits; its failures are the
// caller's to log and swallow.
type SidecarClient struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
}

// NewSidecarClient returns nil when no sidecar is configured.
func NewSidecarClient(cfg config.MemoryConfig) *SidecarClient {
	if cfg.Sidecar.BaseURL == "" {
		return nil
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "okami"
	}
	return &SidecarClient{
		baseURL:    strings.TrimRight(cfg.Sidecar.BaseURL, "/"),
		apiKey:     cfg.Sidecar.APIKey,
		userID:     userID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Save mirrors one record to the external provider.
func (c *SidecarClient) Save(ctx context.Context, rec Record) error {
	payload := map[string]any{
		"messages": []map[string]string{{"role": "assistant", "content": rec.Content}},
		"user_id":  c.userID,
		"metadata": rec.Metadata,
	}
	_, err := c.post(ctx, "/v1/memories/", payload)
	return err
}

// Search queries the external provider. Results carry the provider's ids so
// the caller can deduplicate against local hits.
func (c *SidecarClient) Search(ctx context.Context, kind, query string, topK int) ([]Hit, error) {
	payload := map[string]any{
		"query":   query,
		"user_id": c.userID,
		"limit":   topK,
		"filters": map[string]string{"kind": kind},
	}
	raw, err := c.post(ctx, "/v1/memories/search/", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []struct {
			ID       string            `json:"id"`
			Memory   string            `json:"memory"`
			Score    float32           `json:"score"`
			Metadata map[string]string `json:"metadata"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode sidecar response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		hits = append(hits, Hit{
			Record: Record{ID: r.ID, Kind: Kind(kind), Content: r.Memory, Metadata: r.Metadata},
			Score:  r.Score,
		})
	}
	return hits, nil
}

func (c *SidecarClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sidecar status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
