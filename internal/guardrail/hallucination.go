package guardrail

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"okami/internal/knowledge"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "about": true, "what": true,
	"which": true, "their": true, "your": true, "have": true, "has": true,
	"are": true, "was": true, "were": true, "will": true, "should": true,
	"all": true, "each": true, "then": true, "when": true, "how": true,
}

// Hallucination scores an output by (a) lexical overlap with the task's
// keywords and (b) knowledge-grounding hits for its longest claim sentences,
// rejecting below the configured threshold. Without a knowledge store the
// score is the overlap alone.
type Hallucination struct {
	store     *knowledge.Store
	threshold float64
}

// NewHallucination builds the guardrail. Recognized params: threshold
// (default 0.7).
func NewHallucination(store *knowledge.Store, params map[string]any) *Hallucination {
	return &Hallucination{
		store:     store,
		threshold: paramFloat(params, "threshold", 0.7),
	}
}

func (g *Hallucination) Name() string { return "hallucination" }

func (g *Hallucination) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	overlap := keywordOverlap(gctx.TaskDescription, output)

	score := overlap
	details := map[string]any{"keyword_overlap": overlap}
	if g.store != nil {
		grounding, err := g.groundingRatio(ctx, output)
		if err != nil {
			return Verdict{}, err
		}
		details["grounding"] = grounding
		score = 0.6*overlap + 0.4*grounding
	}

	if score < g.threshold {
		reason := fmt.Sprintf("factuality score %.2f below %.2f", score, g.threshold)
		return fail(g.Name(), reason, score, details), nil
	}
	return Verdict{Guardrail: g.Name(), Passed: true, Score: score, Details: details}, nil
}

// keywordOverlap is the fraction of task keywords present in the output.
// A task with no usable keywords scores 1.
func keywordOverlap(description, output string) float64 {
	keywords := extractKeywords(description)
	if len(keywords) == 0 {
		return 1
	}
	lower := strings.ToLower(output)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func extractKeywords(text string) []string {
	seen := map[string]bool{}
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?\"'()[]")
		if len(word) < 4 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

// groundingRatio checks the three longest sentences against the knowledge
// corpus; a sentence counts as grounded when its best hit clears a low
// similarity bar.
func (g *Hallucination) groundingRatio(ctx context.Context, output string) (float64, error) {
	sentences := splitSentences(output)
	if len(sentences) == 0 {
		return 1, nil
	}
	sort.Slice(sentences, func(i, j int) bool { return len(sentences[i]) > len(sentences[j]) })
	if len(sentences) > 3 {
		sentences = sentences[:3]
	}

	grounded := 0
	for _, sentence := range sentences {
		hits, err := g.store.Search(ctx, sentence, 1, knowledge.Filter{})
		if err != nil {
			return 0, err
		}
		if len(hits) > 0 && hits[0].Score >= 0.3 {
			grounded++
		}
	}
	return float64(grounded) / float64(len(sentences)), nil
}

func splitSentences(text string) []string {
	var sentences []string
	for _, raw := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if s := strings.TrimSpace(raw); len(s) > 15 {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
