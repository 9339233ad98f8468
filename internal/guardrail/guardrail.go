// Package guardrail gates task outputs with an ordered pipeline of checks.
// A failing verdict short-circuits the pipeline; a guardrail that errors
// internally fails open unless it is marked strict.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
)

// Verdict is the outcome of one validation.
type Verdict struct {
	Guardrail string         `json:"guardrail"`
	Passed    bool           `json:"passed"`
	Score     float64        `json:"score,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Context carries what the guardrails know about the task being validated.
type Context struct {
	TaskDescription string
	TaskInput       string
	AgentName       string
}

// Guardrail validates one candidate output. A returned error means the check
// itself broke, not that the output failed it.
type Guardrail interface {
	Name() string
	Validate(ctx context.Context, output string, gctx Context) (Verdict, error)
}

// CorrectiveHint renders a failing verdict as the structured hint appended to
// the agent's retry prompt.
func CorrectiveHint(v Verdict) string {
	hint := fmt.Sprintf("Your previous output was rejected by the %s check: %s.", v.Guardrail, v.Reason)
	if len(v.Details) > 0 {
		if raw, err := json.Marshal(v.Details); err == nil {
			hint += fmt.Sprintf(" Details: %s", raw)
		}
	}
	return hint + " Revise your output to address this."
}

func pass(name string) Verdict {
	return Verdict{Guardrail: name, Passed: true}
}

func fail(name, reason string, score float64, details map[string]any) Verdict {
	return Verdict{Guardrail: name, Passed: false, Score: score, Reason: reason, Details: details}
}
