package tools

import (
	"context"
	"fmt"
	"strings"

	"okami/internal/knowledge"
	"okami/internal/memory"
)

// KnowledgeSearch exposes corpus search to agents.
type KnowledgeSearch struct {
	store *knowledge.Store
}

// NewKnowledgeSearch wraps the knowledge store.
func NewKnowledgeSearch(store *knowledge.Store) *KnowledgeSearch {
	return &KnowledgeSearch{store: store}
}

func (t *KnowledgeSearch) Name() string { return "knowledge_search" }

func (t *KnowledgeSearch) Description() string {
	return `search the knowledge base; args: {"query": string, "category"?: string, "k"?: int}`
}

func (t *KnowledgeSearch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	category, _ := args["category"].(string)
	k := argInt(args, "k", 5)

	hits, err := t.store.Search(ctx, query, k, knowledge.Filter{Category: category})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No knowledge found for this query.", nil
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s (score %.2f)\n%s\n\n", i+1, hit.Path, hit.Score, hit.Content)
	}
	return strings.TrimSpace(b.String()), nil
}

// MemorySearch exposes tier-scoped memory search to agents.
type MemorySearch struct {
	service *memory.Service
}

// NewMemorySearch wraps the memory service.
func NewMemorySearch(service *memory.Service) *MemorySearch {
	return &MemorySearch{service: service}
}

func (t *MemorySearch) Name() string { return "memory_search" }

func (t *MemorySearch) Description() string {
	return `search long-term or entity memory; args: {"query": string, "kind"?: "long"|"entity", "k"?: int}`
}

func (t *MemorySearch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	kind := memory.KindLong
	if s, _ := args["kind"].(string); s == string(memory.KindEntity) {
		kind = memory.KindEntity
	}
	k := argInt(args, "k", 5)

	hits, err := t.service.Search(ctx, kind, query, k, nil)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No memories found for this query.", nil
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] (score %.2f) %s\n", i+1, hit.Score, hit.Record.Content)
	}
	return strings.TrimSpace(b.String()), nil
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
