package canonical

import (
	"math"
	"strings"
	"testing"
)

// Canonicalize - scalars

func TestCanonicalize_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"string", "hi", `"hi"`},
		{"string escaping", "a\"b\n", `"a\"b\n"`},
		{"int", 42, "42"},
		{"negative int", -7, "-7"},
		{"int64", int64(9007199254740993), "9007199254740993"},
		{"uint64", uint64(18446744073709551615), "18446744073709551615"},
		{"float", 1.5, "1.5"},
		{"float integral", float64(3), "3"},
		{"float large stays decimal", float64(1e6), "1000000"},
		{"float decimal upper bound", float64(123456789012345680000), "123456789012345680000"},
		{"float exponent form", float64(1e21), "1e+21"},
		{"float small stays decimal", float64(1e-6), "0.000001"},
		{"float small exponent form", float64(1e-7), "1e-7"},
		{"float negative exponent form", -2.5e-8, "-2.5e-8"},
		{"nan", math.NaN(), "null"},
		{"+inf", math.Inf(1), "null"},
		{"-inf", math.Inf(-1), "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			if err != nil {
				t.Fatalf("Canonicalize(%v): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Canonicalize(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Canonicalize - objects

func TestCanonicalize_SortsKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{"zebra": 1, "apple": 2, "mango": 3})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"apple":2,"mango":3,"zebra":1}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalize_NestedSorting(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{"b": 1, "a": 2},
		"arr":   []any{map[string]any{"y": 1, "x": 2}},
	}
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"arr":[{"x":2,"y":1}],"outer":{"a":2,"b":1}}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalize_ArrayOrderPreserved(t *testing.T) {
	got, err := Canonicalize([]any{3, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if got != "[3,1,2]" {
		t.Fatalf("got %q, want [3,1,2]", got)
	}
}

func TestCanonicalize_OrderIndependent(t *testing.T) {
	// two maps with identical content must always encode identically
	a := map[string]any{"name": "x", "email": "y@z.com", "tags": []any{"a", "b"}}
	b := map[string]any{"tags": []any{"a", "b"}, "email": "y@z.com", "name": "x"}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if ca != cb {
		t.Fatalf("equivalent maps canonicalized differently:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	in := map[string]any{"k1": 1, "k2": "two", "k3": []any{true, nil}, "k4": map[string]any{"z": 0, "a": 1}}
	first, err := Canonicalize(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		got, err := Canonicalize(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			t.Fatalf("iteration %d differs: %q vs %q", i, got, first)
		}
	}
}

// Canonicalize - structs route through encoding/json

func TestCanonicalize_Struct(t *testing.T) {
	type payload struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	got, err := Canonicalize(payload{Zed: "z", Alpha: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":1,"zed":"z"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalize_TypedSlice(t *testing.T) {
	got, err := Canonicalize([]string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if got != `["b","a"]` {
		t.Fatalf("got %q", got)
	}
}

func TestCanonicalize_LargeIntPrecision(t *testing.T) {
	// round-tripped ints decode as json.Number, which must pass through
	// without float64 truncation
	type payload struct {
		ID int64 `json:"id"`
	}
	got, err := Canonicalize(payload{ID: 9007199254740993})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "9007199254740993") {
		t.Fatalf("large int lost precision: %q", got)
	}
}

// FromJSON

func TestFromJSON(t *testing.T) {
	got, err := FromJSON([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"a":1,"b":2}` {
		t.Fatalf("got %q", got)
	}
}

func TestFromJSON_InvalidJSON(t *testing.T) {
	if _, err := FromJSON([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

func TestFromJSON_TrailingData(t *testing.T) {
	if _, err := FromJSON([]byte(`{"a":1} extra`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestFromJSON_WhitespaceInsensitive(t *testing.T) {
	compact, err := FromJSON([]byte(`{"a":1,"b":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	spaced, err := FromJSON([]byte("{\n  \"b\": [1, 2],\n  \"a\": 1\n}"))
	if err != nil {
		t.Fatal(err)
	}
	if compact != spaced {
		t.Fatalf("formatting leaked into canonical form: %q vs %q", compact, spaced)
	}
}

func FuzzFromJSON_Deterministic(f *testing.F) {
	f.Add([]byte(`{"a":1}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`"str"`))
	f.Add([]byte(`{"n":{"m":[true,null,1.5]}}`))
	f.Fuzz(func(t *testing.T, raw []byte) {
		first, err := FromJSON(raw)
		if err != nil {
			t.Skip()
		}
		second, err := FromJSON(raw)
		if err != nil {
			t.Fatalf("second pass errored where first succeeded: %v", err)
		}
		if first != second {
			t.Fatalf("non-deterministic: %q vs %q", first, second)
		}
	})
}
