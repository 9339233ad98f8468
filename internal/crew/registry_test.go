package crew

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadRegistry(t *testing.T) {
	root := t.TempDir()

	writeSpec(t, filepath.Join(root, "agents"), "research.yaml", `
role: Researcher
goal: dig up facts
max_iter: 5
tools: [knowledge_search]
`)
	writeSpec(t, filepath.Join(root, "agents"), "writer.yml", `
name: writer
role: Writer
allow_delegation: true
`)
	writeSpec(t, filepath.Join(root, "tasks"), "gather.yaml", `
description: Collect the facts
agent: research
guardrails: [quality]
max_retries: 2
`)
	writeSpec(t, filepath.Join(root, "crews"), "report.yaml", `
process: sequential
agents: [research, writer]
tasks: [gather]
memory_enabled: true
`)

	reg, err := LoadRegistry(root)
	require.NoError(t, err)

	agent, ok := reg.Agent("research")
	require.True(t, ok)
	assert.Equal(t, "research", agent.Name) // defaulted from the file name
	assert.Equal(t, 5, agent.MaxIter)
	assert.Equal(t, []string{"knowledge_search"}, agent.Tools)

	writer, ok := reg.Agent("writer")
	require.True(t, ok)
	assert.True(t, writer.AllowDelegation)

	task, ok := reg.Task("gather")
	require.True(t, ok)
	assert.Equal(t, "research", task.AgentRef)
	assert.Equal(t, 2, task.MaxRetries)

	crew, ok := reg.Crew("report")
	require.True(t, ok)
	assert.True(t, crew.MemoryEnabled)
	assert.Equal(t, []string{"report"}, reg.CrewNames())
}

func TestLoadRegistryToleratesUnknownFields(t *testing.T) {
	root := t.TempDir()
	writeSpec(t, filepath.Join(root, "agents"), "odd.yaml", `
role: Odd One
some_future_field: true
`)

	reg, err := LoadRegistry(root)
	require.NoError(t, err)
	agent, ok := reg.Agent("odd")
	require.True(t, ok)
	assert.Equal(t, "Odd One", agent.Role)
}

func TestLoadRegistryMissingDirsAreEmpty(t *testing.T) {
	reg, err := LoadRegistry(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, reg.CrewNames())
}

func TestLoadRegistryRejectsMalformedYAML(t *testing.T) {
	root := t.TempDir()
	writeSpec(t, filepath.Join(root, "tasks"), "broken.yaml", "description: [unclosed")

	_, err := LoadRegistry(root)
	require.Error(t, err)
}
