package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultHashDims = 64

// hashEmbedder produces deterministic embeddings from token hashes. It has
// no notion of semantics but preserves lexical overlap, which is enough for
// offline operation and tests.
type hashEmbedder struct {
	dims int
}

// NewHashEmbedder builds an offline embedder. dims <= 0 picks the default.
func NewHashEmbedder(dims int) Embedder {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &hashEmbedder{dims: dims}
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,:;!?\"'()[]`*#-")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		vec[sum%uint32(e.dims)] += 1
		// Second slot reduces collision sensitivity on short texts.
		vec[(sum>>16)%uint32(e.dims)] += 0.5
	}
	return normalize(vec), nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) Dimensions() int { return e.dims }

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity computes cosine similarity between two vectors. Returns 0
// for mismatched or zero-length inputs.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
