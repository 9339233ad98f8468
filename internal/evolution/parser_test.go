package evolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChanges(t *testing.T) {
	p := NewParser()

	cases := []struct {
		name     string
		output   string
		want     int
		rejected int
	}{
		{
			name: "plain payload",
			output: `{"changes": [
				{"type": "add_knowledge", "category": "agents", "file": "agents/x.md",
				 "title": "X guidance", "content": "Agent X should double-check topic Y before answering.",
				 "tags": ["x", "y"], "reason": "gap"}
			]}`,
			want: 1,
		},
		{
			name:   "fenced payload",
			output: "Here is my analysis:\n```json\n{\"changes\": [{\"type\": \"update_knowledge\", \"file\": \"crew/flow.md\", \"content\": \"Sequential crews should declare context refs.\", \"operation\": \"append\"}]}\n```",
			want:   1,
		},
		{
			name:   "prose prefix before object",
			output: `Based on the trace I suggest: {"changes": [{"type": "add_knowledge", "file": "general/notes.md", "content": "Longer answers score better on the quality gate."}]}`,
			want:   1,
		},
		{
			name:   "repairable trailing comma",
			output: `{"changes": [{"type": "add_knowledge", "file": "general/a.md", "content": "A well-formed observation about the run.",},]}`,
			want:   1,
		},
		{
			name: "malformed entry dropped, rest kept",
			output: `{"changes": [
				{"type": "add_knowledge", "file": "general/a.md"},
				{"type": "update_knowledge", "file": "general/b.md", "content": "Keep the run summaries short and factual."}
			]}`,
			want:     1,
			rejected: 1,
		},
		{
			name:     "missing type dropped",
			output:   `{"changes": [{"file": "general/a.md", "content": "No type on this one at all."}]}`,
			want:     0,
			rejected: 1,
		},
		{
			name:   "unknown type passes through for demotion",
			output: `{"changes": [{"type": "update_agent_parameter", "target_path": "config/agents.yaml", "field": "max_iter", "value": "5"}]}`,
			want:   1,
		},
		{
			name:   "no payload at all",
			output: "Nothing to improve this time.",
			want:   0,
		},
		{
			name:   "empty changes list",
			output: `{"changes": []}`,
			want:   0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changes, rejected := p.Parse(tc.output)
			assert.Len(t, changes, tc.want)
			assert.Equal(t, tc.rejected, rejected)
		})
	}
}

func TestParsePreservesFields(t *testing.T) {
	p := NewParser()
	changes, rejected := p.Parse(`{"changes": [
		{"type": "update_knowledge", "file": "agents/x.md", "section": "## Tips",
		 "content": "Cite the knowledge document you used.", "operation": "insert", "reason": "traceability"}
	]}`)
	require.Len(t, changes, 1)
	assert.Zero(t, rejected)

	c := changes[0]
	assert.Equal(t, TypeUpdateKnowledge, c.Type)
	assert.Equal(t, "agents/x.md", c.File)
	assert.Equal(t, "## Tips", c.Section)
	assert.Equal(t, "insert", c.Operation)
	assert.Equal(t, "traceability", c.Reason)
}
