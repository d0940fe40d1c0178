package canon

import "testing"

func TestMarshalStableKeyOrdering(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "b": 1, "a": 2}

	bytesA, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	bytesB, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(bytesA) != string(bytesB) {
		t.Fatalf("canonical forms differ: %s vs %s", bytesA, bytesB)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(bytesA) != want {
		t.Fatalf("canonical form = %s, want %s", bytesA, want)
	}
}

func TestSHA256HexDeterministic(t *testing.T) {
	v := struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}{Name: "job", N: 7}

	digestA, bytesA, err := SHA256Hex(v)
	if err != nil {
		t.Fatalf("sha256hex: %v", err)
	}
	digestB, bytesB, err := SHA256Hex(v)
	if err != nil {
		t.Fatalf("sha256hex: %v", err)
	}
	if digestA != digestB {
		t.Fatalf("digest not deterministic: %s != %s", digestA, digestB)
	}
	if string(bytesA) != string(bytesB) {
		t.Fatalf("canonical bytes not deterministic")
	}
	if len(digestA) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(digestA))
	}
}

func TestSHA256HexChangesWithContent(t *testing.T) {
	digestA, _, err := SHA256Hex(map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("sha256hex: %v", err)
	}
	digestB, _, err := SHA256Hex(map[string]any{"x": 2})
	if err != nil {
		t.Fatalf("sha256hex: %v", err)
	}
	if digestA == digestB {
		t.Fatalf("expected different digests for different content")
	}
}
