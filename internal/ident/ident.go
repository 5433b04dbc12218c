// Package ident canonicalizes identity-key tuples.
//
// An identity tuple is an ordered list of primitive values that uniquely
// names an entity within its class. Encode produces byte-for-byte stable
// output for equal tuples (CBOR Core Deterministic encoding), so the bytes
// double as a map key and as the on-the-wire form of an entity pointer.
package ident

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Normalize maps every identity value onto its canonical Go representation:
// all signed/unsigned integer kinds become int64, float32 becomes float64.
// bool, string, []byte and time.Time pass through. Anything else is rejected.
func Normalize(vals []any) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		nv, err := normalizeOne(v)
		if err != nil {
			return nil, fmt.Errorf("identity element %d: %w", i, err)
		}
		out[i] = nv
	}
	return out, nil
}

func normalizeOne(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil is not a valid identity value")
	case bool, string, []byte, time.Time, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("uint %d overflows int64", x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported identity type %T", v)
	}
}

// Encode serializes a normalized tuple into canonical bytes.
func Encode(vals []any) ([]byte, error) {
	norm, err := Normalize(vals)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(norm)
}

// Decode reverses Encode. Integers come back as int64 regardless of the
// CBOR major type they were stored under.
func Decode(b []byte) ([]any, error) {
	var raw []any
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("identity decode: %w", err)
	}
	return Normalize(raw)
}

// Key returns the canonical tuple as a hex string, suitable for map keys
// and for the "stringified identity" column of attribute blob storage.
func Key(vals []any) (string, error) {
	b, err := Encode(vals)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
