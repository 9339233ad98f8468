package guardrail

import (
	"context"
	"fmt"

	"okami/internal/config"
	"okami/internal/knowledge"
	"okami/internal/logging"
	"okami/internal/vector"
)

type entry struct {
	guardrail Guardrail
	strict    bool
}

// Pipeline runs guardrails in order and stops at the first failure.
type Pipeline struct {
	entries []entry
	logger  *logging.Logger
}

// NewPipeline builds a pipeline from already-constructed guardrails.
func NewPipeline() *Pipeline {
	return &Pipeline{logger: logging.NewComponentLogger("guardrail")}
}

// Append adds a guardrail to the end of the pipeline.
func (p *Pipeline) Append(g Guardrail, strict bool) *Pipeline {
	p.entries = append(p.entries, entry{guardrail: g, strict: strict})
	return p
}

// Len returns the number of guardrails in the pipeline.
func (p *Pipeline) Len() int { return len(p.entries) }

// Validate runs the pipeline. It returns every verdict produced plus the
// overall outcome: the first failing verdict, or a passing one. An erroring
// guardrail is treated as passed (fail-open) unless marked strict.
func (p *Pipeline) Validate(ctx context.Context, output string, gctx Context) (Verdict, []Verdict) {
	verdicts := make([]Verdict, 0, len(p.entries))
	for _, e := range p.entries {
		if ctx.Err() != nil {
			break
		}
		v, err := e.guardrail.Validate(ctx, output, gctx)
		if err != nil {
			if e.strict {
				v = fail(e.guardrail.Name(), fmt.Sprintf("check error (strict): %v", err), 0, nil)
				verdicts = append(verdicts, v)
				return v, verdicts
			}
			p.logger.Warn("guardrail %s errored, failing open: %v", e.guardrail.Name(), err)
			v = pass(e.guardrail.Name())
			v.Reason = "check error, failed open"
			verdicts = append(verdicts, v)
			continue
		}
		v.Guardrail = e.guardrail.Name()
		verdicts = append(verdicts, v)
		if !v.Passed {
			return v, verdicts
		}
	}
	return Verdict{Passed: true}, verdicts
}

// FromSpecs assembles the standard pipeline from config entries. embedder and
// store may be nil; guardrails needing them degrade to their fail-open paths.
func FromSpecs(specs []config.GuardrailSpec, embedder vector.Embedder, store *knowledge.Store) (*Pipeline, error) {
	p := NewPipeline()
	for _, spec := range specs {
		var g Guardrail
		switch spec.Type {
		case "quality":
			g = NewQuality(spec.Params)
		case "relevance":
			g = NewRelevance(embedder, spec.Params)
		case "safety":
			g = NewSafety(spec.Params)
		case "hallucination":
			g = NewHallucination(store, spec.Params)
		default:
			return nil, fmt.Errorf("unknown guardrail type: %s", spec.Type)
		}
		p.Append(g, spec.Strict)
	}
	return p, nil
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
