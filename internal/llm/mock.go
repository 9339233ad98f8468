package llm

import (
	"context"
	"sync"
)

// MockCompleter replays scripted responses in order. When the script is
// exhausted it repeats the final entry. Intended for tests.
type MockCompleter struct {
	mu        sync.Mutex
	script    []MockTurn
	pos       int
	Requests  []Request
	ModelName string
}

// MockTurn is one scripted completion.
type MockTurn struct {
	Content string
	Err     error
}

// NewMockCompleter builds a completer that replays the given turns.
func NewMockCompleter(turns ...MockTurn) *MockCompleter {
	return &MockCompleter{script: turns, ModelName: "mock"}
}

// Text is a convenience for a terminal-text turn.
func Text(s string) MockTurn { return MockTurn{Content: s} }

// Fail is a convenience for an error turn.
func Fail(err error) MockTurn { return MockTurn{Err: err} }

func (m *MockCompleter) Model() string { return m.ModelName }

func (m *MockCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if len(m.script) == 0 {
		return &Response{Content: "", Usage: TokenUsage{TotalTokens: 1}}, nil
	}
	turn := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	resp := &Response{
		Content: turn.Content,
		Usage:   TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Model:   m.ModelName,
	}
	if call, ok := ParseToolCall(turn.Content); ok {
		resp.ToolCall = call
	}
	return resp, nil
}

// Calls returns how many completions were requested.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
