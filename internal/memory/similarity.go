package memory

import (
	"encoding/json"
	"math"
	"reflect"
)

// CosineDistance returns 1 - cosine similarity; 1 when either vector is zero.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1
	}
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// ContainsMetadata mirrors jsonb @>: every key in filter must be present in
// meta with a containing value. Extra keys in meta are ignored.
func ContainsMetadata(meta, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	return jsonContains(normalizeJSON(meta), normalizeJSON(filter))
}

// normalizeJSON round-trips v through encoding/json so numbers, nested maps
// and slices compare the same way regardless of their Go types.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func jsonContains(have, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		h, ok := have.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			hv, ok := h[k]
			if !ok || !jsonContains(hv, wv) {
				return false
			}
		}
		return true
	case []any:
		h, ok := have.([]any)
		if !ok {
			return false
		}
		for _, wv := range w {
			found := false
			for _, hv := range h {
				if jsonContains(hv, wv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(have, want)
	}
}
