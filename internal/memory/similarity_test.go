package memory

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{1, 0}); math.Abs(d) > 1e-9 {
		t.Fatalf("CosineDistance(same) = %v, want 0", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-1) > 1e-9 {
		t.Fatalf("CosineDistance(orthogonal) = %v, want 1", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(d-2) > 1e-9 {
		t.Fatalf("CosineDistance(opposite) = %v, want 2", d)
	}
	if d := CosineDistance([]float32{0, 0}, []float32{1, 0}); d != 1 {
		t.Fatalf("CosineDistance(zero) = %v, want 1", d)
	}
}

func TestContainsMetadata(t *testing.T) {
	meta := map[string]any{
		"conversation_id": "c1",
		"role":            "user",
		"turn":            3,
		"tags":            []string{"a", "b"},
		"nested":          map[string]any{"x": 1, "y": "z"},
	}
	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{"empty filter", nil, true},
		{"subset", map[string]any{"conversation_id": "c1"}, true},
		{"two keys", map[string]any{"conversation_id": "c1", "role": "user"}, true},
		{"wrong value", map[string]any{"conversation_id": "c2"}, false},
		{"missing key", map[string]any{"locale": "en"}, false},
		{"number across types", map[string]any{"turn": 3.0}, true},
		{"array subset", map[string]any{"tags": []any{"b"}}, true},
		{"array miss", map[string]any{"tags": []any{"c"}}, false},
		{"nested subset", map[string]any{"nested": map[string]any{"y": "z"}}, true},
		{"nested miss", map[string]any{"nested": map[string]any{"x": 2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsMetadata(meta, tt.filter); got != tt.want {
				t.Fatalf("ContainsMetadata(%v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}
