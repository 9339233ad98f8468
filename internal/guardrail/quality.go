package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	placeholderMarkers = []string{"TODO", "FIXME", "XXX", "[INSERT", "[PLACEHOLDER]"}
	incompleteSuffixes = []string{"...", "[", "("}
	errorIndicators    = []*regexp.Regexp{
		regexp.MustCompile(`error\s*:\s*`),
		regexp.MustCompile(`exception\s*:\s*`),
		regexp.MustCompile(`failed to`),
		regexp.MustCompile(`unable to`),
		regexp.MustCompile(`could not`),
	}
)

// Quality scores an output 0..10 and rejects below min_score. Deductions:
// too short or overlong, incomplete suffix, placeholder text, no sentence
// structure, excessive word repetition, error indicators, unbalanced code
// fences, and verbatim echo of the input.
type Quality struct {
	minScore  float64
	minLength int
}

// NewQuality builds the quality guardrail. Recognized params: min_score
// (default 7.0), min_length (default 20).
func NewQuality(params map[string]any) *Quality {
	return &Quality{
		minScore:  paramFloat(params, "min_score", 7.0),
		minLength: paramInt(params, "min_length", 20),
	}
}

func (g *Quality) Name() string { return "quality" }

func (g *Quality) Validate(_ context.Context, output string, gctx Context) (Verdict, error) {
	score := 10.0
	var issues []string
	trimmed := strings.TrimSpace(output)

	if gctx.TaskInput != "" && trimmed == strings.TrimSpace(gctx.TaskInput) {
		return fail(g.Name(), "output echoes the input verbatim", 0, map[string]any{"issues": []string{"echo"}}), nil
	}

	if len(trimmed) < g.minLength {
		score -= 3
		issues = append(issues, "response too short")
	} else if len(output) > 5000 {
		score -= 1
		issues = append(issues, "response too long")
	}

	for _, suffix := range incompleteSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			score -= 2
			issues = append(issues, "incomplete response")
			break
		}
	}

	upper := strings.ToUpper(output)
	for _, marker := range placeholderMarkers {
		if strings.Contains(upper, marker) {
			score -= 2
			issues = append(issues, "contains placeholder: "+marker)
			break
		}
	}

	if !strings.ContainsAny(output, ".!?\n") {
		score -= 1
		issues = append(issues, "lacks structure")
	}

	words := strings.Fields(strings.ToLower(output))
	if len(words) > 10 {
		unique := map[string]bool{}
		for _, w := range words {
			unique[w] = true
		}
		if float64(len(unique))/float64(len(words)) < 0.3 {
			score -= 2
			issues = append(issues, "excessive repetition")
		}
	}

	lower := strings.ToLower(output)
	for _, pattern := range errorIndicators {
		if pattern.MatchString(lower) {
			score -= 1
			issues = append(issues, "contains error indicators")
			break
		}
	}

	if strings.Count(output, "```")%2 != 0 {
		score -= 2
		issues = append(issues, "unbalanced code fences")
	}

	if score < 0 {
		score = 0
	}
	if score < g.minScore {
		reason := fmt.Sprintf("quality score %.1f below threshold %.1f", score, g.minScore)
		return fail(g.Name(), reason, score, map[string]any{"issues": issues}), nil
	}
	return Verdict{Guardrail: g.Name(), Passed: true, Score: score}, nil
}
