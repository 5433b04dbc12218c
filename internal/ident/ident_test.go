package ident

import (
	"bytes"
	"testing"
)

func TestNormalizeIntegerKinds(t *testing.T) {
	got, err := Normalize([]any{int(1), int8(1), uint32(1), uint64(1)})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i, v := range got {
		if v != int64(1) {
			t.Fatalf("element %d: got %T(%v), want int64(1)", i, v, v)
		}
	}
}

func TestNormalizeRejectsNilAndStructs(t *testing.T) {
	if _, err := Normalize([]any{nil}); err == nil {
		t.Fatalf("nil identity value accepted")
	}
	if _, err := Normalize([]any{struct{}{}}); err == nil {
		t.Fatalf("struct identity value accepted")
	}
}

func TestEncodeDeterministicAcrossKinds(t *testing.T) {
	a, err := Encode([]any{int32(7), "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode([]any{int64(7), "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("equal tuples encoded differently: %x vs %x", a, b)
	}
}

func TestKeyDistinguishesTypes(t *testing.T) {
	ks, err := Key([]any{"1"})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	ki, err := Key([]any{1})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if ks == ki {
		t.Fatalf("string and int identities collided: %s", ks)
	}
}

func TestRoundTrip(t *testing.T) {
	in := []any{int64(-3), "name", true, []byte{0xde, 0xad}}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	if out[0] != int64(-3) || out[1] != "name" || out[2] != true {
		t.Fatalf("round trip mismatch: %#v", out)
	}
	if !bytes.Equal(out[3].([]byte), in[3].([]byte)) {
		t.Fatalf("bytes mismatch: %#v", out[3])
	}
}
