package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateUsage approximates token usage with tiktoken when the API omits
// usage figures (some OpenAI-compatible gateways do).
func estimateUsage(messages []Message, completion string) TokenUsage {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	usage := TokenUsage{}
	if encoding == nil {
		// Crude fallback: 4 chars per token.
		for _, m := range messages {
			usage.PromptTokens += len(m.Content) / 4
		}
		usage.CompletionTokens = len(completion) / 4
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return usage
	}

	for _, m := range messages {
		usage.PromptTokens += len(encoding.Encode(m.Content, nil, nil))
	}
	usage.CompletionTokens = len(encoding.Encode(completion, nil, nil))
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
