package guardrail

import (
	"context"
	"regexp"
	"strings"
)

type namedPattern struct {
	pattern *regexp.Regexp
	issue   string
}

var piiPatterns = []namedPattern{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "SSN pattern"},
	{regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14})\b`), "credit card pattern"},
	{regexp.MustCompile(`(?:password|pwd|pass)\s*[:=]\s*\S+`), "exposed password"},
}

var dangerousCodePatterns = []namedPattern{
	{regexp.MustCompile(`rm\s+-rf\s+/`), "dangerous file deletion"},
	{regexp.MustCompile(`eval\s*\(`), "eval usage"},
	{regexp.MustCompile(`exec\s*\(`), "exec usage"},
	{regexp.MustCompile(`__import__`), "dynamic import"},
	{regexp.MustCompile(`subprocess.*shell\s*=\s*True`), "shell injection risk"},
}

// Safety rejects outputs matching PII or dangerous-code patterns, plus any
// configured prohibited terms. Sensitive topics only annotate
// details.warnings without failing.
type Safety struct {
	checkCode       bool
	prohibitedTerms []string
	sensitiveTopics []string
	extraPatterns   []namedPattern
}

// NewSafety builds the safety guardrail. Recognized params: check_code
// (default true), prohibited_terms, prohibited_patterns, sensitive_topics.
func NewSafety(params map[string]any) *Safety {
	checkCode := true
	if v, ok := params["check_code"].(bool); ok {
		checkCode = v
	}
	g := &Safety{
		checkCode:       checkCode,
		prohibitedTerms: paramStrings(params, "prohibited_terms"),
		sensitiveTopics: paramStrings(params, "sensitive_topics"),
	}
	for _, raw := range paramStrings(params, "prohibited_patterns") {
		if re, err := regexp.Compile(raw); err == nil {
			g.extraPatterns = append(g.extraPatterns, namedPattern{re, "prohibited pattern: " + raw})
		}
	}
	return g
}

func (g *Safety) Name() string { return "safety" }

func (g *Safety) Validate(_ context.Context, output string, _ Context) (Verdict, error) {
	var issues []string

	for _, p := range piiPatterns {
		if p.pattern.MatchString(output) {
			issues = append(issues, p.issue)
		}
	}
	if g.checkCode {
		for _, p := range dangerousCodePatterns {
			if p.pattern.MatchString(output) {
				issues = append(issues, p.issue)
			}
		}
	}
	for _, p := range g.extraPatterns {
		if p.pattern.MatchString(output) {
			issues = append(issues, p.issue)
		}
	}
	lower := strings.ToLower(output)
	for _, term := range g.prohibitedTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			issues = append(issues, "prohibited term: "+term)
		}
	}

	var warnings []string
	for _, topic := range g.sensitiveTopics {
		if strings.Contains(lower, strings.ToLower(topic)) {
			warnings = append(warnings, topic)
		}
	}

	if len(issues) > 0 {
		details := map[string]any{"issues": issues}
		if len(warnings) > 0 {
			details["warnings"] = warnings
		}
		return fail(g.Name(), "safety issues detected: "+strings.Join(issues, ", "), 0, details), nil
	}

	v := pass(g.Name())
	if len(warnings) > 0 {
		v.Details = map[string]any{"warnings": warnings}
	}
	return v, nil
}
