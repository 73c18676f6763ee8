package embedding

import (
	"context"
	"testing"
)

func TestHashModel_DeterministicAndNormalized(t *testing.T) {
	m := NewHashModel(32)
	v1, err := m.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	v2, err := m.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(v1) != 32 {
		t.Fatalf("len(v1) = %d, want 32", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("Embed() not deterministic at index %d: %v != %v", i, v1[i], v2[i])
		}
	}

	var norm float64
	for _, f := range v1 {
		norm += float64(f) * float64(f)
	}
	if diff := norm - 1; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("||v1|| = %v, want ~1 (L2-normalized)", norm)
	}
}

func TestHashModel_DifferentTextDifferentVector(t *testing.T) {
	m := NewHashModel(64)
	a, _ := m.Embed(context.Background(), "refund policy for enterprise customers")
	b, _ := m.Embed(context.Background(), "database migration rollback plan")

	if Cosine(a, b) > 0.9 {
		t.Errorf("unrelated texts scored too similar: cosine = %v", Cosine(a, b))
	}
	same, _ := m.Embed(context.Background(), "refund policy for enterprise customers")
	if Cosine(a, same) < 0.999 {
		t.Errorf("identical text should score ~1, got %v", Cosine(a, same))
	}
}

func TestHashModel_EmptyText(t *testing.T) {
	m := NewHashModel(16)
	v, err := m.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(v) != 16 {
		t.Fatalf("len(v) = %d, want 16", len(v))
	}
}
