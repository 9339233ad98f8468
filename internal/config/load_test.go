package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "okami.yaml"), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "main_crew", cfg.Server.DefaultCrew)
	assert.Equal(t, 20, cfg.Memory.ShortTermSize)
	assert.Equal(t, 5, cfg.Memory.SearchTopK)
	assert.InDelta(t, 0.92, cfg.Knowledge.DuplicateThreshold, 1e-9)
	assert.Equal(t, 10, cfg.Evolution.MaxChanges)
	assert.True(t, cfg.Evolution.Enabled)
	assert.Equal(t, 5, cfg.Retries.Completer)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
server:
  addr: ":9001"
  default_crew: research_crew
knowledge:
  duplicate_threshold: 0.85
evolution:
  enabled: false
  max_changes: 3
guardrails:
  pipeline:
    - type: quality
      params:
        min_length: 30
    - type: relevance
      strict: true
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.Addr)
	assert.Equal(t, "research_crew", cfg.Server.DefaultCrew)
	assert.InDelta(t, 0.85, cfg.Knowledge.DuplicateThreshold, 1e-9)
	assert.False(t, cfg.Evolution.Enabled)
	assert.Equal(t, 3, cfg.Evolution.MaxChanges)
	require.Len(t, cfg.Guardrail.Pipeline, 2)
	assert.Equal(t, "quality", cfg.Guardrail.Pipeline[0].Type)
	assert.True(t, cfg.Guardrail.Pipeline[1].Strict)
}

func TestLoadUnknownKeysAreIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
server:
  addr: ":9002"
experimental_flux_capacitor: true
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9002", cfg.Server.Addr)
}

func TestNormalizeClampsBadValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
knowledge:
  duplicate_threshold: 1.7
memory:
  short_term_size: -4
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.InDelta(t, 0.92, cfg.Knowledge.DuplicateThreshold, 1e-9)
	assert.Equal(t, 20, cfg.Memory.ShortTermSize)
}

func TestTimeoutHelpers(t *testing.T) {
	var tc TimeoutsConfig
	assert.Positive(t, tc.TaskTimeout())
	assert.Positive(t, tc.RequestTimeout())

	var rl RateLimitConfig
	assert.Positive(t, rl.RPMWaitBudget())
}
