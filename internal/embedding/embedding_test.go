package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModel struct {
	dim     int
	failErr error
	calls   int
}

func (f *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(text)+i) * 0.1
	}
	return v, nil
}

func (f *fakeModel) Dimension() int { return f.dim }

func TestEngine_Embed_LazyLoadOnce(t *testing.T) {
	loads := 0
	m := &fakeModel{dim: 4}
	e := New(func() (Model, error) {
		loads++
		return m, nil
	}, testLogger())

	e.Embed(context.Background(), "a")
	e.Embed(context.Background(), "b")

	if loads != 1 {
		t.Errorf("model constructed %d times, want 1 (lazy + cached)", loads)
	}
	if m.calls != 2 {
		t.Errorf("Embed called %d times, want 2", m.calls)
	}
}

func TestEngine_Embed_LoadFailureReturnsSentinel(t *testing.T) {
	e := New(func() (Model, error) {
		return nil, errors.New("boom")
	}, testLogger())

	v := e.Embed(context.Background(), "x")
	if v != nil {
		t.Errorf("expected NoEmbedding sentinel, got %v", v)
	}
}

func TestEngine_Embed_ModelFailureReturnsSentinel(t *testing.T) {
	e := New(func() (Model, error) {
		return &fakeModel{dim: 4, failErr: errors.New("model error")}, nil
	}, testLogger())

	v := e.Embed(context.Background(), "x")
	if v != nil {
		t.Errorf("expected NoEmbedding sentinel, got %v", v)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero norm a", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, []float32{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); got != tt.want {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	vectors := [][]float32{
		{1.5, -2.25, 0, 3.125},
		{},
		{0.1},
	}
	for _, v := range vectors {
		blob := Serialize(v)
		got, err := Deserialize(blob)
		if err != nil {
			t.Fatalf("Deserialize() error: %v", err)
		}
		if len(got) != len(v) {
			t.Fatalf("round trip length mismatch: got %d want %d", len(got), len(v))
		}
		for i := range v {
			if got[i] != v[i] {
				t.Errorf("round trip[%d] = %v, want %v", i, got[i], v[i])
			}
		}
	}
}

func TestDeserialize_CorruptBlob(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2}); err == nil {
		t.Error("expected error for too-short blob")
	}
	if _, err := Deserialize([]byte{0, 0, 0, 2, 1, 2, 3}); err == nil {
		t.Error("expected error for length mismatch")
	}
}
