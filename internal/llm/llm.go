// Package llm provides the Completer capability: prompt in, text or tool
// calls out. The engine treats the provider as opaque; the only concrete
// client speaks the OpenAI-compatible chat completions API.
package llm

import "context"

// Message is one turn of a completer conversation.
type Message struct {
	Role    string `json:"role"` // system | user | assistant | tool
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Metadata    map[string]any
}

// TokenUsage accounts for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across calls.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCall is a parsed tool invocation emitted by the model.
type ToolCall struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Response is either a terminal text payload or a tool call, per the
// subprotocol: a response whose body is a JSON object {"tool":..., "args":...}
// is a tool call; anything else is terminal text.
type Response struct {
	Content  string
	ToolCall *ToolCall
	Usage    TokenUsage
	Model    string
}

// IsToolCall reports whether the model asked for a tool invocation.
func (r *Response) IsToolCall() bool { return r.ToolCall != nil }

// Completer turns a prompt into text. Implementations must be safe for
// concurrent use.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}
