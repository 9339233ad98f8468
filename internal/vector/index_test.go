package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex(IndexConfig{Collection: "test"}, NewHashEmbedder(0))
	require.NoError(t, err)
	return ix
}

func TestIndexUpsertAndQuery(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx,
		Document{ID: "a", Content: "wolves hunt in packs across the tundra", Metadata: map[string]string{"category": "domain"}},
		Document{ID: "b", Content: "the http server listens on port 8000", Metadata: map[string]string{"category": "system"}},
	))
	assert.Equal(t, 2, ix.Count())

	hits, err := ix.Query(ctx, "wolves hunting in a pack", 2, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].Document.ID)
}

func TestIndexQueryEmptyReturnsNoHits(t *testing.T) {
	ix := newTestIndex(t)
	hits, err := ix.Query(context.Background(), "anything", 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexMetadataFilter(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx,
		Document{ID: "a", Content: "delegation rules for the manager agent", Metadata: map[string]string{"category": "agents"}},
		Document{ID: "b", Content: "delegation rules for the crew process", Metadata: map[string]string{"category": "crew"}},
	))

	hits, err := ix.Query(ctx, "delegation rules", 5, 0, map[string]string{"category": "crew"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Document.ID)
}

func TestIndexUpsertReplacesByID(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, Document{ID: "a", Content: "old content"}))
	require.NoError(t, ix.Upsert(ctx, Document{ID: "a", Content: "new content about wolves"}))
	assert.Equal(t, 1, ix.Count())

	hit, ok, err := ix.MostSimilar(ctx, "wolves", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new content about wolves", hit.Document.Content)
}

func TestIndexDelete(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx,
		Document{ID: "a", Content: "first", Metadata: map[string]string{"file": "x.md"}},
		Document{ID: "b", Content: "second", Metadata: map[string]string{"file": "y.md"}},
	))

	require.NoError(t, ix.Delete(ctx, "a"))
	assert.Equal(t, 1, ix.Count())

	require.NoError(t, ix.DeleteWhere(ctx, map[string]string{"file": "y.md"}))
	assert.Equal(t, 0, ix.Count())
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, e.Dimensions())

	b, err := e.Embed(ctx, "completely unrelated text about databases")
	require.NoError(t, err)

	same := CosineSimilarity(a1, a2)
	diff := CosineSimilarity(a1, b)
	assert.InDelta(t, 1.0, float64(same), 1e-5)
	assert.Less(t, diff, same)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
