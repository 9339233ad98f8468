package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/config"
	"okami/internal/errorx"
)

func TestParseToolCall(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string // expected tool name, "" = not a tool call
	}{
		{"raw object", `{"tool": "search", "args": {"query": "go"}}`, "search"},
		{"fenced", "Here you go:\n```json\n{\"tool\": \"delegate\", \"args\": {\"agent\": \"writer\"}}\n```", "delegate"},
		{"missing args", `{"tool": "noop"}`, "noop"},
		{"trailing comma repaired", `{"tool": "search", "args": {"query": "go",}}`, "search"},
		{"plain text", "The answer is 42.", ""},
		{"json without tool key", `{"answer": 42}`, ""},
		{"prose starting with brace-less text", "tool: search", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call, ok := ParseToolCall(tc.content)
			if tc.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.want, call.Name)
			assert.NotNil(t, call.Args)
		})
	}
}

func newTestServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, map[string]any{
		"model": "gpt-4o",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9},
	})
	defer srv.Close()

	client, err := NewOpenAIClient(config.LLMConfig{Model: "gpt-4o", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.False(t, resp.IsToolCall())
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestOpenAIClientToolCallResponse(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": `{"tool": "knowledge_search", "args": {"query": "wolves"}}`}},
		},
	})
	defer srv.Close()

	client, err := NewOpenAIClient(config.LLMConfig{Model: "gpt-4o", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "search"}}})
	require.NoError(t, err)
	require.True(t, resp.IsToolCall())
	assert.Equal(t, "knowledge_search", resp.ToolCall.Name)
	assert.Equal(t, "wolves", resp.ToolCall.Args["query"])
	// usage was absent; estimate kicks in
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestOpenAIClientStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}

	for _, tc := range cases {
		srv := newTestServer(t, tc.status, map[string]any{"error": map[string]any{"message": "nope"}})
		client, err := NewOpenAIClient(config.LLMConfig{Model: "gpt-4o", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
		require.Error(t, err)
		assert.Equal(t, tc.transient, errorx.IsTransient(err), "status=%d", tc.status)
		srv.Close()
	}
}

func TestMockCompleterReplaysScript(t *testing.T) {
	mock := NewMockCompleter(
		Text(`{"tool": "search", "args": {}}`),
		Text("done"),
	)

	first, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, first.IsToolCall())

	second, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", second.Content)

	// script exhausted: final turn repeats
	third, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", third.Content)
	assert.Equal(t, 3, mock.Calls())
}

func TestEstimateUsageNonZero(t *testing.T) {
	usage := estimateUsage([]Message{{Role: "user", Content: "hello world, how are you"}}, "fine thanks")
	assert.Positive(t, usage.PromptTokens)
	assert.Positive(t, usage.CompletionTokens)
	assert.Equal(t, usage.TotalTokens, usage.PromptTokens+usage.CompletionTokens)
}
