package guardrail

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/config"
	"okami/internal/knowledge"
	"okami/internal/vector"
)

type failingCheck struct{ err error }

func (f *failingCheck) Name() string { return "broken" }
func (f *failingCheck) Validate(context.Context, string, Context) (Verdict, error) {
	return Verdict{}, f.err
}

func TestQualityPassesSubstantiveOutput(t *testing.T) {
	g := NewQuality(nil)
	v, err := g.Validate(context.Background(), "Wolves are social predators. They hunt cooperatively in packs and communicate through howling.", Context{})
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.InDelta(t, 10.0, v.Score, 0.01)
}

func TestQualityRejections(t *testing.T) {
	cases := []struct {
		name   string
		output string
		issue  string
	}{
		{"too short", "ok", "response too short"},
		{"placeholder", "The analysis is complete. TODO: fill in the actual findings from the survey data here.", "contains placeholder: TODO"},
		{"incomplete", "The first finding is that wolves tend to...", "incomplete response"},
		{"error indicator combo", "short. failed to", "contains error indicators"},
	}
	g := NewQuality(map[string]any{"min_score": 9.0})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := g.Validate(context.Background(), tc.output, Context{})
			require.NoError(t, err)
			if v.Passed {
				t.Fatalf("expected rejection, got pass with score %.1f", v.Score)
			}
			issues := v.Details["issues"].([]string)
			assert.Contains(t, strings.Join(issues, "|"), tc.issue)
		})
	}
}

func TestQualityRejectsEcho(t *testing.T) {
	g := NewQuality(nil)
	input := "Summarize the quarterly report for the leadership team."
	v, err := g.Validate(context.Background(), input, Context{TaskInput: input})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Reason, "echo")
}

func TestQualityRejectsUnbalancedFences(t *testing.T) {
	g := NewQuality(map[string]any{"min_score": 9.0})
	v, err := g.Validate(context.Background(), "Here is the snippet you asked for.\n```go\nfunc main() {}\n", Context{})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	issues := v.Details["issues"].([]string)
	assert.Contains(t, strings.Join(issues, "|"), "unbalanced code fences")
}

func TestRelevance(t *testing.T) {
	g := NewRelevance(vector.NewHashEmbedder(0), nil)
	gctx := Context{TaskDescription: "describe how wolves hunt in packs across the tundra"}

	v, err := g.Validate(context.Background(), "Wolves hunt in coordinated packs, especially across the open tundra.", gctx)
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = g.Validate(context.Background(), "Quarterly revenue increased by twelve percent thanks to strong subscription growth.", gctx)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Reason, "relevance")
}

func TestRelevanceFailsOpenWithoutEmbedder(t *testing.T) {
	g := NewRelevance(nil, nil)
	v, err := g.Validate(context.Background(), "anything", Context{TaskDescription: "task"})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestSafetyDetections(t *testing.T) {
	g := NewSafety(nil)
	cases := []struct {
		name   string
		output string
	}{
		{"ssn", "The customer's SSN is 123-45-6789 according to the record."},
		{"password", "Use password: hunter2-secret to log in to the console."},
		{"dangerous deletion", "Just run rm -rf / to clean up the disk."},
		{"eval", "You can do this with eval(user_input) in the handler."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := g.Validate(context.Background(), tc.output, Context{})
			require.NoError(t, err)
			assert.False(t, v.Passed)
		})
	}

	v, err := g.Validate(context.Background(), "Wolves coordinate hunts through body language and vocalizations.", Context{})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestSafetySensitiveTopicsAnnotateOnly(t *testing.T) {
	g := NewSafety(map[string]any{"sensitive_topics": []any{"medical advice"}})
	v, err := g.Validate(context.Background(), "This is general information, not medical advice; consult a professional.", Context{})
	require.NoError(t, err)
	assert.True(t, v.Passed)
	warnings := v.Details["warnings"].([]string)
	assert.Contains(t, warnings, "medical advice")
}

func TestHallucinationOverlap(t *testing.T) {
	g := NewHallucination(nil, nil)
	gctx := Context{TaskDescription: "summarize wolf hunting strategies in winter"}

	v, err := g.Validate(context.Background(), "Wolf hunting strategies change in winter: packs summarize their prey's movement through deep snow.", gctx)
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = g.Validate(context.Background(), "The stock market closed higher today on earnings optimism.", gctx)
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestHallucinationGrounding(t *testing.T) {
	dir := t.TempDir()
	ix, err := vector.NewIndex(vector.IndexConfig{Collection: "kn"}, vector.NewHashEmbedder(0))
	require.NoError(t, err)
	store, err := knowledge.NewStore(config.KnowledgeConfig{
		Root:      filepath.Join(dir, "knowledge"),
		BackupDir: filepath.Join(dir, "backups"),
	}, ix)
	require.NoError(t, err)
	res := store.Add(context.Background(), knowledge.AddRequest{
		Category: "domain",
		Path:     "wolves",
		Title:    "Wolves",
		Content:  "Wolves hunt cooperatively in packs and den in sheltered terrain during winter.",
	})
	require.Equal(t, knowledge.StatusApplied, res.Status)

	g := NewHallucination(store, map[string]any{"threshold": 0.5})
	gctx := Context{TaskDescription: "describe wolves hunting in packs during winter"}
	v, err := g.Validate(context.Background(), "Wolves hunt cooperatively in packs and shelter in dens during winter.", gctx)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Greater(t, v.Details["grounding"].(float64), 0.0)
}

func TestPipelineShortCircuits(t *testing.T) {
	p := NewPipeline().
		Append(NewSafety(nil), false).
		Append(NewQuality(nil), false)

	final, verdicts := p.Validate(context.Background(), "Use password: hunter2 for the admin account.", Context{})
	assert.False(t, final.Passed)
	assert.Equal(t, "safety", final.Guardrail)
	// quality never ran
	require.Len(t, verdicts, 1)
}

func TestPipelineFailOpenVsStrict(t *testing.T) {
	boom := errors.New("backend unavailable")

	open := NewPipeline().Append(&failingCheck{err: boom}, false)
	final, verdicts := open.Validate(context.Background(), "fine output with enough substance to pass.", Context{})
	assert.True(t, final.Passed)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Passed)

	strict := NewPipeline().Append(&failingCheck{err: boom}, true)
	final, _ = strict.Validate(context.Background(), "fine output with enough substance to pass.", Context{})
	assert.False(t, final.Passed)
	assert.Contains(t, final.Reason, "strict")
}

func TestFromSpecs(t *testing.T) {
	p, err := FromSpecs([]config.GuardrailSpec{
		{Type: "quality"},
		{Type: "relevance"},
		{Type: "safety", Strict: true},
		{Type: "hallucination", Params: map[string]any{"threshold": 0.2}},
	}, vector.NewHashEmbedder(0), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())

	_, err = FromSpecs([]config.GuardrailSpec{{Type: "nope"}}, nil, nil)
	assert.Error(t, err)
}

func TestCorrectiveHint(t *testing.T) {
	hint := CorrectiveHint(Verdict{
		Guardrail: "quality",
		Reason:    "quality score 5.0 below threshold 7.0",
		Details:   map[string]any{"issues": []string{"response too short"}},
	})
	assert.Contains(t, hint, "quality")
	assert.Contains(t, hint, "below threshold")
	assert.Contains(t, hint, "response too short")
	assert.Contains(t, hint, "Revise")
}
