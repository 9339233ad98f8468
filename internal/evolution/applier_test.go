package evolution

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okami/internal/config"
	"okami/internal/knowledge"
	"okami/internal/vector"
)

func testStore(t *testing.T) *knowledge.Store {
	t.Helper()
	root := t.TempDir()
	index, err := vector.NewIndex(vector.IndexConfig{Collection: "knowledge"}, vector.NewHashEmbedder(0))
	require.NoError(t, err)
	store, err := knowledge.NewStore(config.KnowledgeConfig{
		Root:      filepath.Join(root, "knowledge"),
		BackupDir: filepath.Join(root, "backups"),
	}, index)
	require.NoError(t, err)
	return store
}

func testApplier(t *testing.T, store *knowledge.Store, maxChanges int) *Applier {
	t.Helper()
	return NewApplier(store, config.EvolutionConfig{MaxChanges: maxChanges}, MustNewMetrics(prometheus.NewRegistry()))
}

func TestApplyAddKnowledge(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	change := Change{
		Type:     TypeAddKnowledge,
		Category: "agents",
		File:     "agents/x.md",
		Title:    "X guidance on Y",
		Content:  "Agent X keeps failing on topic Y. Always consult the domain corpus before answering.",
		Tags:     []string{"x", "y"},
		Reason:   "gap",
	}

	outcomes := a.Apply(context.Background(), []Change{change})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeApplied, outcomes[0].Status)

	content, err := store.ReadFile("agents/x.md")
	require.NoError(t, err)
	assert.Contains(t, content, "X guidance on Y")
	assert.Contains(t, content, "consult the domain corpus")

	// identical re-run is a duplicate skip
	again := a.Apply(context.Background(), []Change{change})
	require.Len(t, again, 1)
	assert.Equal(t, OutcomeSkipped, again[0].Status)
}

func TestApplyUpdateKnowledgeAppend(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	seed := a.Apply(context.Background(), []Change{{
		Type:    TypeAddKnowledge,
		File:    "crew/flow.md",
		Content: "Sequential crews run their tasks in dependency order, one at a time.",
	}})
	require.Equal(t, OutcomeApplied, seed[0].Status)

	outcomes := a.Apply(context.Background(), []Change{{
		Type:      TypeUpdateKnowledge,
		File:      "crew/flow.md",
		Content:   "Async siblings may run concurrently once their dependencies settle.",
		Operation: knowledge.OpAppend,
	}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeApplied, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Diff, "+")
	assert.Contains(t, outcomes[0].Diff, "Async siblings")

	content, err := store.ReadFile("crew/flow.md")
	require.NoError(t, err)
	assert.Contains(t, content, "Async siblings may run concurrently")
}

func TestApplyEscapingPathBecomesProposal(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	outcomes := a.Apply(context.Background(), []Change{{
		Type:    TypeAddKnowledge,
		File:    "../outside/evil.md",
		Content: "This content tries to land outside the corpus root entirely.",
	}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeProposed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Reason, "escapes the knowledge root")

	proposals, err := store.Proposals()
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "../outside/evil.md", proposals[0].TargetPath)

	_, err = os.Stat(filepath.Join(store.Root(), "..", "outside", "evil.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyStubContentSkipped(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	cases := []string{
		"short",
		"knowledge/agents/x.md",
		"a/path/like/thing",
	}
	for _, content := range cases {
		outcomes := a.Apply(context.Background(), []Change{{
			Type:    TypeAddKnowledge,
			File:    "general/stub.md",
			Content: content,
		}})
		require.Len(t, outcomes, 1)
		assert.Equal(t, OutcomeSkipped, outcomes[0].Status, "content=%q", content)
		assert.Equal(t, "content appears to be a path or stub", outcomes[0].Reason)
	}
}

func TestApplyUnknownTypeProposed(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	outcomes := a.Apply(context.Background(), []Change{{
		Type:       "update_agent_parameter",
		TargetPath: "config/agents.yaml",
		Field:      "max_iter",
		Value:      "5",
		Reason:     "agent loops too long",
	}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeProposed, outcomes[0].Status)

	proposals, err := store.Proposals()
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "update_agent_parameter", proposals[0].Type)
	assert.Equal(t, "max_iter", proposals[0].Field)

	// the human-readable mirror landed in the suggestions document
	content, err := store.ReadFile("system/config_suggestions.md")
	require.NoError(t, err)
	assert.Contains(t, content, "update_agent_parameter")
}

func TestApplyMaxChangesCap(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 1)

	outcomes := a.Apply(context.Background(), []Change{
		{Type: TypeAddKnowledge, File: "general/first.md", Content: "Wolves coordinate hunts across long distances using howls."},
		{Type: TypeAddKnowledge, File: "general/second.md", Content: "Servers should bound their submission queues to fail fast."},
	})
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeApplied, outcomes[0].Status)
	assert.Equal(t, OutcomeProposed, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Reason, "max_changes cap")
}

func TestApplyLockSerializesRuns(t *testing.T) {
	store := testStore(t)
	a := testApplier(t, store, 0)

	lockPath := filepath.Join(store.Root(), lockFileName)
	require.NoError(t, os.WriteFile(lockPath, []byte("held"), 0o644))
	defer os.Remove(lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes := a.Apply(ctx, []Change{{
		Type:    TypeAddKnowledge,
		File:    "general/locked.md",
		Content: "This change never lands while the lock is held by someone else.",
	}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Reason, "lock")
}

func TestClipReasonKeepsRunesIntact(t *testing.T) {
	long := "a" + strings.Repeat("é", 80)

	// byte 120 falls inside a two-byte rune for this input
	clipped := clipReason(long)
	assert.True(t, utf8.ValidString(clipped))
	assert.True(t, strings.HasSuffix(clipped, "…"))

	assert.Equal(t, "short reason", clipReason("short reason"))
}
