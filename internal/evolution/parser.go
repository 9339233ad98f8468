// Package evolution runs the post-run self-improvement pipeline: an analysis
// crew inspects the execution trace, its JSON payload is parsed into candidate
// changes, and the applier lands the safe ones in the knowledge corpus.
package evolution

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"okami/internal/logging"
)

// Change types the analysis crew may emit. Anything else is demoted to a
// proposal instead of being applied.
const (
	TypeAddKnowledge    = "add_knowledge"
	TypeUpdateKnowledge = "update_knowledge"
)

// Change is one proposed modification. The union is flat: fields irrelevant
// to a type stay empty.
type Change struct {
	Type       string   `json:"type"`
	Category   string   `json:"category,omitempty"`
	File       string   `json:"file,omitempty"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Section    string   `json:"section,omitempty"`
	Operation  string   `json:"operation,omitempty"`
	TargetPath string   `json:"target_path,omitempty"`
	Field      string   `json:"field,omitempty"`
	Value      string   `json:"value,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type changesPayload struct {
	Changes []json.RawMessage `json:"changes"`
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Parser extracts the changes payload from crew output. Malformed entries are
// rejected one by one; the remainder survives.
type Parser struct {
	logger *logging.Logger
}

func NewParser() *Parser {
	return &Parser{logger: logging.NewComponentLogger("evolution")}
}

// Parse returns the valid changes and the count of rejected entries. An
// output with no recognizable payload yields zero changes and no error: the
// analysis crew is allowed to conclude there is nothing to improve.
func (p *Parser) Parse(output string) ([]Change, int) {
	payload, ok := p.extractPayload(output)
	if !ok {
		return nil, 0
	}

	var changes []Change
	rejected := 0
	for i, raw := range payload.Changes {
		var change Change
		if err := json.Unmarshal(raw, &change); err != nil {
			p.logger.Warn("change %d malformed, dropping: %v", i, err)
			rejected++
			continue
		}
		if reason := validateChange(change); reason != "" {
			p.logger.Warn("change %d invalid, dropping: %s", i, reason)
			rejected++
			continue
		}
		changes = append(changes, change)
	}
	return changes, rejected
}

func (p *Parser) extractPayload(output string) (changesPayload, bool) {
	candidate := strings.TrimSpace(output)
	if m := fencedBlockPattern.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}
	if start := strings.Index(candidate, "{"); start > 0 {
		candidate = candidate[start:]
	}
	if !strings.HasPrefix(candidate, "{") {
		return changesPayload{}, false
	}

	var payload changesPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err == nil && payload.Changes != nil {
		return payload, true
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return changesPayload{}, false
	}
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil || payload.Changes == nil {
		return changesPayload{}, false
	}
	return payload, true
}

// validateChange checks the fields a change needs before the applier sees it.
// Unknown types pass through; the applier demotes them to proposals.
func validateChange(c Change) string {
	switch c.Type {
	case "":
		return "missing type"
	case TypeAddKnowledge:
		if c.File == "" {
			return "add_knowledge requires file"
		}
		if c.Content == "" {
			return "add_knowledge requires content"
		}
	case TypeUpdateKnowledge:
		if c.File == "" {
			return "update_knowledge requires file"
		}
		if c.Content == "" {
			return "update_knowledge requires content"
		}
	}
	return ""
}
