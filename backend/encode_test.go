package backend

import "testing"

func TestEncodeValue_Acyclic(t *testing.T) {
	v := map[string]any{"a": 1, "b": []any{1, 2, 3}}
	if _, err := EncodeValue(v); err != nil {
		t.Fatalf("expected acyclic value to encode, got %v", err)
	}
}

func TestEncodeValue_CyclicMap(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	_, err := EncodeValue(m)
	if err == nil {
		t.Fatal("expected cyclic map to be refused")
	}
	if e, ok := err.(*Error); !ok || e.Kind != KindPrecondition {
		t.Errorf("expected a precondition Error, got %v", err)
	}
}

func TestEncodeValue_CyclicSlice(t *testing.T) {
	s := make([]any, 1)
	s[0] = s

	if _, err := EncodeValue(s); err == nil {
		t.Fatal("expected cyclic slice to be refused")
	}
}

func TestEstimateSize_FallsBackOnCycle(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	if EstimateSize(m) <= 0 {
		t.Error("expected a positive fallback size estimate for a cyclic value")
	}
}
