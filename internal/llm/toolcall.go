package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseToolCall inspects a completion body for the tool-call subprotocol:
// a JSON object {"tool": string, "args": map}, either raw or inside a code
// fence. Slightly malformed JSON is repaired before parsing.
func ParseToolCall(content string) (*ToolCall, bool) {
	candidate := strings.TrimSpace(content)
	if m := fencedJSONPattern.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}
	if !strings.HasPrefix(candidate, "{") {
		return nil, false
	}

	if call, ok := decodeToolCall(candidate); ok {
		return call, true
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	return decodeToolCallChecked(repaired)
}

func decodeToolCall(candidate string) (*ToolCall, bool) {
	var call ToolCall
	if err := json.Unmarshal([]byte(candidate), &call); err != nil {
		return nil, false
	}
	if call.Name == "" {
		return nil, false
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return &call, true
}

// decodeToolCallChecked guards the repaired path against jsonrepair turning
// ordinary prose into a valid but meaningless object.
func decodeToolCallChecked(candidate string) (*ToolCall, bool) {
	var probe map[string]any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return nil, false
	}
	if _, ok := probe["tool"].(string); !ok {
		return nil, false
	}
	return decodeToolCall(candidate)
}
