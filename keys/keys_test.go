package keys

import "testing"

func TestNormalize_StringAndNumberCollide(t *testing.T) {
	a := Primary("widget", StringID("123"))
	b := Primary("widget", NumberID(123))

	if a.Normalize() != b.Normalize() {
		t.Errorf("expected %q and %q to normalize identically, got %q vs %q",
			"123", "NumberID(123)", a.Normalize(), b.Normalize())
	}
}

func TestNormalize_FieldOrderIndependent(t *testing.T) {
	a := Composite("widget", StringID("1"), []LocationTag{{KT: "shelf", LK: StringID("a")}})
	b := Key{Loc: a.Loc, PK: a.PK, KT: a.KT}

	if a.Normalize() != b.Normalize() {
		t.Errorf("struct literal field order leaked into normalization: %q vs %q", a.Normalize(), b.Normalize())
	}
}

func TestNormalize_NilIdentifierPreserved(t *testing.T) {
	k := Primary("widget", NilID())
	if k.Normalize() == Primary("widget", StringID("")).Normalize() {
		t.Error("nil identifier must not normalize the same as empty string")
	}
}

func TestLocEqual(t *testing.T) {
	a := []LocationTag{{KT: "shelf", LK: StringID("1")}}
	b := []LocationTag{{KT: "shelf", LK: NumberID(1)}}
	if !LocEqual(a, b) {
		t.Error("expected location paths to be equal after numeric coercion")
	}

	c := []LocationTag{{KT: "shelf", LK: StringID("2")}}
	if LocEqual(a, c) {
		t.Error("expected differing location paths to compare unequal")
	}
}

func TestLocEqual_DifferentLengths(t *testing.T) {
	a := []LocationTag{{KT: "shelf", LK: StringID("1")}}
	if LocEqual(a, nil) {
		t.Error("expected mismatched lengths to compare unequal")
	}
}

func TestHash_Deterministic(t *testing.T) {
	k := Primary("widget", StringID("123")).Normalize()
	if Hash(k) != Hash(k) {
		t.Error("expected Hash to be deterministic for the same input")
	}
}

func TestHash_DistinctInputsUsuallyDiffer(t *testing.T) {
	h1 := Hash(Primary("widget", StringID("1")).Normalize())
	h2 := Hash(Primary("widget", StringID("2")).Normalize())
	if h1 == h2 {
		t.Error("expected distinct keys to hash differently (not guaranteed, but true for this fixture)")
	}
}
