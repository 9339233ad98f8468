package guardrail

import (
	"context"
	"fmt"

	"okami/internal/vector"
)

// Relevance embeds the task description and the output and rejects when
// their cosine similarity falls below min_relevance. Embedding failures pass
// the check rather than block the task.
type Relevance struct {
	embedder     vector.Embedder
	minRelevance float64
}

// NewRelevance builds the relevance guardrail. Recognized params:
// min_relevance (default 0.5).
func NewRelevance(embedder vector.Embedder, params map[string]any) *Relevance {
	return &Relevance{
		embedder:     embedder,
		minRelevance: paramFloat(params, "min_relevance", 0.5),
	}
}

func (g *Relevance) Name() string { return "relevance" }

func (g *Relevance) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	if g.embedder == nil || gctx.TaskDescription == "" {
		return pass(g.Name()), nil
	}

	vecs, err := g.embedder.EmbedBatch(ctx, []string{gctx.TaskDescription, output})
	if err != nil {
		// fail-open by contract
		v := pass(g.Name())
		v.Reason = "embedding failed, check skipped"
		return v, nil
	}

	similarity := float64(vector.CosineSimilarity(vecs[0], vecs[1]))
	if similarity < g.minRelevance {
		reason := fmt.Sprintf("output relevance %.2f below %.2f", similarity, g.minRelevance)
		return fail(g.Name(), reason, similarity, map[string]any{"similarity": similarity}), nil
	}
	return Verdict{Guardrail: g.Name(), Passed: true, Score: similarity}, nil
}
