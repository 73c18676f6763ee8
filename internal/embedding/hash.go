package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashModel is a dependency-free Model: a feature-hashed bag-of-words
// vector, L2-normalized so Cosine behaves sensibly. It plays the same role
// for the Embedding Engine that MockProvider plays for the LLM Connector —
// a deterministic, always-available default so the engine runs end-to-end
// without a real embedding service configured.
type HashModel struct {
	dim int
}

// NewHashModel builds a HashModel producing dim-dimensional vectors.
func NewHashModel(dim int) *HashModel {
	if dim <= 0 {
		dim = 64
	}
	return &HashModel{dim: dim}
}

func (m *HashModel) Dimension() int { return m.dim }

// Embed hashes each token of text into one of m.dim buckets, sign-weighted
// by the hash's low bit, then L2-normalizes the result.
func (m *HashModel) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, m.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(m.dim))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[bucket] += sign
	}

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return v, nil
	}
	norm = math.Sqrt(norm)
	for i, f := range v {
		v[i] = float32(float64(f) / norm)
	}
	return v, nil
}
