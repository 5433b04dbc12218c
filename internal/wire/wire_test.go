package wire

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type fakeEntity struct {
	class string
	id    int64
}

type seq []any

type testGraph struct{}

func (testGraph) Reduce(v any) (Pointer, bool, error) {
	e, ok := v.(*fakeEntity)
	if !ok {
		return Pointer{}, false, nil
	}
	return Pointer{Class: e.class, Identity: []byte(fmt.Sprintf("%d", e.id))}, true, nil
}

func (testGraph) Tuple(v any) ([]any, bool) {
	s, ok := v.(seq)
	return s, ok
}

func (testGraph) NewTuple(n int) ([]any, any) {
	s := make(seq, n)
	return s, s
}

func noResolve(p Pointer) (any, bool) { return nil, false }

func TestPrimitiveRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
	in := seq{int64(-7), "hello", true, false, nil, 3.5, []byte{1, 2, 3}, ts}

	b, ptrs, err := Encode(in, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ptrs) != 0 {
		t.Fatalf("collected %d pointers from an entity-free value", len(ptrs))
	}

	out, err := Decode(b, testGraph{}, noResolve)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := out.(seq)
	if !ok {
		t.Fatalf("decoded %T, want seq", out)
	}
	if len(got) != len(in) {
		t.Fatalf("length %d, want %d", len(got), len(in))
	}
	for i := 0; i < 7; i++ {
		if !reflect.DeepEqual(got[i], in[i]) {
			t.Fatalf("element %d: got %#v, want %#v", i, got[i], in[i])
		}
	}
	if !got[7].(time.Time).Equal(ts) {
		t.Fatalf("time: got %v, want %v", got[7], ts)
	}
}

func TestIntKindsNormalizeToInt64(t *testing.T) {
	in := seq{int(4), int32(5), uint16(6)}
	b, _, err := Encode(in, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b, testGraph{}, noResolve)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := seq{int64(4), int64(5), int64(6)}
	got := out.(seq)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %T(%v)", i, got[i], got[i])
		}
	}
}

func TestEntityDedupAndResolution(t *testing.T) {
	a := &fakeEntity{class: "post", id: 1}
	b := &fakeEntity{class: "comment", id: 2}
	in := seq{a, a, b, a}

	data, collected, err := Encode(in, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(collected) != 2 {
		t.Fatalf("collected %d pointers, want 2 distinct", len(collected))
	}
	if collected[0].Value != any(a) || collected[1].Value != any(b) {
		t.Fatalf("collected values do not match the embedded entities")
	}

	scanned, err := Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(scanned) != 2 {
		t.Fatalf("Scan found %d pointers, want 2", len(scanned))
	}

	// Canonical substitutes distinct from the originals.
	canonA := &fakeEntity{class: "post", id: 1}
	canonB := &fakeEntity{class: "comment", id: 2}
	resolve := func(p Pointer) (any, bool) {
		switch p.Class {
		case "post":
			return canonA, true
		case "comment":
			return canonB, true
		}
		return nil, false
	}

	out, err := Decode(data, testGraph{}, resolve)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(seq)
	if got[0] != any(canonA) || got[1] != any(canonA) || got[3] != any(canonA) {
		t.Fatalf("entity occurrences did not resolve to the canonical instance")
	}
	if got[2] != any(canonB) {
		t.Fatalf("second entity did not resolve")
	}
}

func TestCycleRoundTrip(t *testing.T) {
	s := make(seq, 2)
	s[0] = s
	s[1] = int64(42)

	data, _, err := Encode(s, testGraph{})
	if err != nil {
		t.Fatalf("Encode of cyclic value: %v", err)
	}

	out, err := Decode(data, testGraph{}, noResolve)
	if err != nil {
		t.Fatalf("Decode of cyclic value: %v", err)
	}
	got := out.(seq)
	if got[1] != int64(42) {
		t.Fatalf("payload element lost: %#v", got[1])
	}
	inner, ok := got[0].(seq)
	if !ok {
		t.Fatalf("cycle slot holds %T", got[0])
	}
	if reflect.ValueOf(inner).Pointer() != reflect.ValueOf(got).Pointer() {
		t.Fatalf("cycle topology not preserved: inner is a different sequence")
	}
}

func TestSharedTupleEncodedOnce(t *testing.T) {
	shared := seq{int64(1)}
	in := seq{shared, shared}

	data, _, err := Encode(in, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data, testGraph{}, noResolve)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(seq)
	a, b := got[0].(seq), got[1].(seq)
	if reflect.ValueOf(a).Pointer() != reflect.ValueOf(b).Pointer() {
		t.Fatalf("shared tuple duplicated on decode")
	}
}

func TestUnresolvedPointerFails(t *testing.T) {
	data, _, err := Encode(seq{&fakeEntity{class: "post", id: 9}}, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data, testGraph{}, noResolve); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("Decode err = %v, want ErrUnresolved", err)
	}
}

func TestCorruptInputsRejected(t *testing.T) {
	good, _, err := Encode(seq{int64(1), "x"}, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":        {},
		"short header": good[:3],
		"bad magic":    append([]byte{'X', 'X', 'X', 'X'}, good[4:]...),
		"bad version":  append(append([]byte{}, good[:4]...), append([]byte{99}, good[5:]...)...),
		"truncated":    good[:len(good)-2],
		"trailing":     append(append([]byte{}, good...), 0xFF),
	}
	for name, b := range cases {
		if _, err := Decode(b, testGraph{}, noResolve); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: Decode err = %v, want ErrCorrupt", name, err)
		}
		if _, err := Scan(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: Scan err = %v, want ErrCorrupt", name, err)
		}
	}
}

func TestForgedTupleCountRejected(t *testing.T) {
	data, _, err := Encode(seq{int64(1)}, testGraph{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// header(5) + tagTuple(1) + count at offset 6
	forged := append([]byte{}, data...)
	forged[6], forged[7], forged[8], forged[9] = 0x7F, 0xFF, 0xFF, 0xFF
	if _, err := Decode(forged, testGraph{}, noResolve); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("forged count accepted: %v", err)
	}
}

func TestUnsupportedTypeFails(t *testing.T) {
	if _, _, err := Encode(seq{map[string]int{"a": 1}}, testGraph{}); err == nil {
		t.Fatalf("map encoded without error")
	}
}
