package canonical_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ILLUVRSE/certledger/internal/canonical"
	"github.com/ILLUVRSE/certledger/internal/models"
)

func TestCanonicalSortedKeys(t *testing.T) {
	a := map[string]interface{}{
		"b": 2,
		"a": 1,
	}
	b := map[string]interface{}{
		"a": 1,
		"b": 2,
	}

	ca, err := canonical.MarshalCanonical(a)
	if err != nil {
		t.Fatalf("canonical.MarshalCanonical(a) error: %v", err)
	}
	cb, err := canonical.MarshalCanonical(b)
	if err != nil {
		t.Fatalf("canonical.MarshalCanonical(b) error: %v", err)
	}

	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}
	if string(ca) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form %s", ca)
	}

	// Ensure JSON is valid
	var tmp interface{}
	if err := json.Unmarshal(ca, &tmp); err != nil {
		t.Fatalf("canonical output is not valid JSON: %v", err)
	}
}

func TestCanonicalNestedOrderIndependence(t *testing.T) {
	first := map[string]any{}
	first["outer"] = map[string]any{"z": []any{1, "two", nil}, "y": true}
	first["id"] = "r1"

	second := map[string]any{}
	second["id"] = "r1"
	second["outer"] = map[string]any{"y": true, "z": []any{1, "two", nil}}

	ca, err := canonical.MarshalCanonical(first)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	cb, err := canonical.MarshalCanonical(second)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("nested outputs differ:\nA: %s\nB: %s", ca, cb)
	}
}

func TestCanonicalNumberNormalization(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"int", 1, "1"},
		{"float integral", 1.0, "1"},
		{"json.Number integral float", json.Number("1.0"), "1"},
		{"json.Number exponent", json.Number("1e2"), "100"},
		{"float fraction", 0.5, "0.5"},
		{"json.Number fraction", json.Number("0.50"), "0.5"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"large int", int64(9007199254740993), "9007199254740993"},
		{"big literal", json.Number("123456789012345678901234567890"), "123456789012345678901234567890"},
		{"uint", uint32(7), "7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonical.MarshalCanonical(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestCanonicalStringsAreNFCAndUnescaped(t *testing.T) {
	composed := map[string]any{"name": "café", "html": "<b>&</b>"}
	decomposed := map[string]any{"name": "cafe\u0301", "html": "<b>&</b>"}

	ca, err := canonical.MarshalCanonical(composed)
	if err != nil {
		t.Fatalf("marshal composed: %v", err)
	}
	cb, err := canonical.MarshalCanonical(decomposed)
	if err != nil {
		t.Fatalf("marshal decomposed: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("unicode normalization differs:\nA: %s\nB: %s", ca, cb)
	}
	if string(ca) != `{"html":"<b>&</b>","name":"café"}` {
		t.Fatalf("unexpected output %s", ca)
	}
}

func TestCanonicalStructsMatchMaps(t *testing.T) {
	type reading struct {
		Sensor string    `json:"sensor"`
		Value  float64   `json:"value"`
		At     time.Time `json:"at"`
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	fromStruct, err := canonical.MarshalCanonical(reading{Sensor: "s-1", Value: 21, At: at})
	if err != nil {
		t.Fatalf("marshal struct: %v", err)
	}
	fromMap, err := canonical.MarshalCanonical(map[string]any{"value": 21, "sensor": "s-1", "at": at})
	if err != nil {
		t.Fatalf("marshal map: %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Fatalf("struct and map differ:\nA: %s\nB: %s", fromStruct, fromMap)
	}
}

func TestCanonicalRejectsUnserializableValues(t *testing.T) {
	cyclic := map[string]any{"a": 1}
	cyclic["self"] = cyclic

	list := make([]any, 1)
	list[0] = list

	cases := map[string]any{
		"func":         map[string]any{"f": func() {}},
		"channel":      make(chan int),
		"nan":          math.NaN(),
		"inf":          map[string]any{"v": math.Inf(1)},
		"complex":      complex(1, 2),
		"cyclic map":   cyclic,
		"cyclic slice": list,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := canonical.MarshalCanonical(in)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, models.ErrSerialization) {
				t.Fatalf("expected ErrSerialization, got %v", err)
			}
		})
	}
}

func TestCanonicalSharedValuesAreNotCycles(t *testing.T) {
	shared := map[string]any{"k": "v"}
	in := map[string]any{"a": shared, "b": shared, "list": []any{shared, shared}}
	if _, err := canonical.MarshalCanonical(in); err != nil {
		t.Fatalf("shared (acyclic) values should serialize: %v", err)
	}
}

// A value and its encoding/json round trip must canonicalize to the same bytes.
func TestCanonicalMatchesJSONRoundTrip(t *testing.T) {
	cases := map[string]interface{}{
		"offset time": time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("EET", 2*3600)),
		"float32":     float32(0.1),
		"nested":      map[string]interface{}{"at": time.Date(2024, 6, 1, 0, 0, 0, 5, time.FixedZone("", -3*3600)), "v": []float32{1.5, 0.3}},
	}
	for name, v := range cases {
		direct, err := canonical.MarshalCanonical(v)
		if err != nil {
			t.Fatalf("%s: Marshal: %v", name, err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("%s: json.Marshal: %v", name, err)
		}
		var decoded interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			t.Fatalf("%s: Decode: %v", name, err)
		}
		again, err := canonical.MarshalCanonical(decoded)
		if err != nil {
			t.Fatalf("%s: Marshal decoded: %v", name, err)
		}
		if string(direct) != string(again) {
			t.Fatalf("%s: direct=%s round-trip=%s", name, direct, again)
		}
	}

	b, err := canonical.MarshalCanonical(float32(0.1))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != "0.1" {
		t.Fatalf("float32(0.1) = %s", b)
	}
}
