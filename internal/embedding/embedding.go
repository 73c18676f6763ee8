// Package embedding implements the Embedding Engine (spec §4.3): embed,
// cosine similarity, and a length-prefixed byte serialization for vectors
// stored as blobs in the Conversation Store.
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Model is the external embedding model collaborator (spec §1, out of
// scope: "an embedding model producing fixed-dimension vectors for a
// string").
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Engine lazily loads and caches the embedding model for process lifetime
// (spec §4.3, §5: "first load is protected against thundering herd").
type Engine struct {
	newModel func() (Model, error)

	once     sync.Once
	loadErr  error
	model    Model
	log      *slog.Logger
}

// New builds an Engine. newModel is invoked at most once, on first Embed
// call, to lazily construct the underlying Model.
func New(newModel func() (Model, error), log *slog.Logger) *Engine {
	return &Engine{newModel: newModel, log: log}
}

func (e *Engine) ensureLoaded() error {
	e.once.Do(func() {
		e.model, e.loadErr = e.newModel()
	})
	return e.loadErr
}

// NoEmbedding is the sentinel returned when embedding generation fails;
// callers skip semantic scoring for that record rather than propagate the
// error (spec §4.3).
var NoEmbedding []float32

// Embed produces a fixed-dimension vector for text, or NoEmbedding on any
// failure (load failure or model error), logging a warning in that case.
func (e *Engine) Embed(ctx context.Context, text string) []float32 {
	if err := e.ensureLoaded(); err != nil {
		e.log.Warn("embedding model failed to load", "error", err)
		return NoEmbedding
	}
	v, err := e.model.Embed(ctx, text)
	if err != nil {
		e.log.Warn("embedding generation failed", "error", err)
		return NoEmbedding
	}
	return v
}

// Cosine returns dot(a,b) / (||a||*||b||), defined as 0 if either norm is
// zero (spec §4.3).
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Serialize converts a vector to a length-prefixed float32 byte blob.
func Serialize(v []float32) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(v)))
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[4+4*i:8+4*i], math.Float32bits(f))
	}
	return buf
}

// Deserialize parses a blob produced by Serialize back into a vector.
func Deserialize(blob []byte) ([]float32, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("embedding: blob too short to contain a length prefix")
	}
	n := binary.BigEndian.Uint32(blob[0:4])
	want := 4 + 4*int(n)
	if len(blob) != want {
		return nil, fmt.Errorf("embedding: blob length %d does not match declared vector length %d (want %d bytes)", len(blob), n, want)
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(blob[4+4*i : 8+4*i]))
	}
	return v, nil
}
