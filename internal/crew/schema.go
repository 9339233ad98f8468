package crew

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Output schemas a task may declare. Parse failures are guardrail-style
// rejects that consume a retry slot.
const (
	SchemaText      = "text"
	SchemaMarkdown  = "markdown"
	SchemaJSON      = "json"
	SchemaJSONArray = "json_array"
)

// KnownSchema reports whether a schema name is recognized. Empty means no
// schema enforcement.
func KnownSchema(name string) bool {
	switch name {
	case "", SchemaText, SchemaMarkdown, SchemaJSON, SchemaJSONArray:
		return true
	}
	return false
}

// validateSchema checks a candidate output against the task's declared
// schema.
func validateSchema(schema, output string) error {
	candidate := stripFence(strings.TrimSpace(output))
	switch schema {
	case "", SchemaText, SchemaMarkdown:
		return nil
	case SchemaJSON:
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			return fmt.Errorf("output is not a JSON object: %w", err)
		}
	case SchemaJSONArray:
		var arr []any
		if err := json.Unmarshal([]byte(candidate), &arr); err != nil {
			return fmt.Errorf("output is not a JSON array: %w", err)
		}
	}
	return nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
