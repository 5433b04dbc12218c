// Package wire implements the byte format for persisted value graphs.
//
// A graph is a single tagged value: a primitive, an open tuple of values, an
// entity pointer (class name plus canonical identity bytes), or a
// back-reference to an earlier tuple or pointer. Entities are never inlined;
// embedding them as pointers keeps stored blobs small and lets the decoder
// substitute the canonical in-memory instance on reload.
//
// Tuples and entity pointers are assigned memo ids in emission order. A value
// encountered again is written as a back-reference, so shared structure and
// cycles round-trip without duplication and without the encoder looping.
//
// Decoding is split in two passes because resolving a pointer may require
// I/O while the graph walk itself is synchronous: Scan parses the bytes and
// reports every pointer referenced; once the caller has made all of them
// resolvable, Decode re-parses the same bytes substituting live instances.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

const version byte = 1

const (
	tagNil byte = iota + 1
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagTime
	tagTuple
	tagEntity
	tagRef
)

var (
	ErrCorrupt    = errors.New("wire: corrupt graph encoding")
	ErrUnresolved = errors.New("wire: unresolved entity pointer")

	magic4 = [...]byte{'C', 'V', 'G', 'R'}
)

// Pointer is the stored stand-in for an entity reference.
type Pointer struct {
	Class    string
	Identity []byte // canonical identity tuple bytes (see internal/ident)
}

// Collected pairs a pointer emitted during Encode with the live entity it
// replaced, so the caller can register each one eagerly.
type Collected struct {
	Ptr   Pointer
	Value any
}

// Graph teaches the codec which values are entities and which are open
// tuples. It closes the import loop: this package never sees the entity
// model directly.
type Graph interface {
	// Reduce maps an entity to its pointer. ok is false for non-entities.
	Reduce(v any) (p Pointer, ok bool, err error)
	// Tuple unwraps an open tuple into its elements.
	Tuple(v any) ([]any, bool)
	// NewTuple allocates an open tuple of length n, returning both a
	// writable view of its elements and the tuple value itself. The two
	// must share backing so cyclic fills become visible in the value.
	NewTuple(n int) (elems []any, val any)
}

// Resolver substitutes a pointer with the canonical live instance during the
// second decode pass. It must not miss: Scan plus the caller's inter-pass
// resolution guarantee presence.
type Resolver func(Pointer) (any, bool)

type memoKey struct {
	ptr uintptr
	n   int // tuple length; -1 for entities
}

type encoder struct {
	buf  bytes.Buffer
	g    Graph
	memo map[memoKey]uint32
	next uint32
	ptrs []Collected
	seen map[string]struct{}
}

// Encode serializes v and returns the distinct entity pointers encountered.
func Encode(v any, g Graph) ([]byte, []Collected, error) {
	e := &encoder{
		g:    g,
		memo: make(map[memoKey]uint32),
		seen: make(map[string]struct{}),
	}
	e.buf.Write(magic4[:])
	e.buf.WriteByte(version)
	if err := e.value(v); err != nil {
		return nil, nil, err
	}
	return e.buf.Bytes(), e.ptrs, nil
}

func (e *encoder) value(v any) error {
	if v == nil {
		e.buf.WriteByte(tagNil)
		return nil
	}

	if p, ok, err := e.g.Reduce(v); err != nil {
		return err
	} else if ok {
		return e.entity(v, p)
	}
	if elems, ok := e.g.Tuple(v); ok {
		return e.tuple(v, elems)
	}

	switch x := v.(type) {
	case bool:
		if x {
			e.buf.WriteByte(tagTrue)
		} else {
			e.buf.WriteByte(tagFalse)
		}
	case int64:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(x))
	case int:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(int64(x)))
	case int8:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(int64(x)))
	case int16:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(int64(x)))
	case int32:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(int64(x)))
	case uint8:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(x))
	case uint16:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(x))
	case uint32:
		e.buf.WriteByte(tagInt)
		e.u64(uint64(x))
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("wire: uint64 %d overflows int64", x)
		}
		e.buf.WriteByte(tagInt)
		e.u64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return fmt.Errorf("wire: uint %d overflows int64", x)
		}
		e.buf.WriteByte(tagInt)
		e.u64(uint64(x))
	case float64:
		e.buf.WriteByte(tagFloat)
		e.u64(math.Float64bits(x))
	case float32:
		e.buf.WriteByte(tagFloat)
		e.u64(math.Float64bits(float64(x)))
	case string:
		e.buf.WriteByte(tagString)
		e.blob([]byte(x))
	case []byte:
		e.buf.WriteByte(tagBytes)
		e.blob(x)
	case time.Time:
		e.buf.WriteByte(tagTime)
		e.blob([]byte(x.Format(time.RFC3339Nano)))
	default:
		return fmt.Errorf("wire: unsupported value type %T", v)
	}
	return nil
}

func (e *encoder) entity(v any, p Pointer) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		k := memoKey{ptr: rv.Pointer(), n: -1}
		if id, ok := e.memo[k]; ok {
			e.buf.WriteByte(tagRef)
			e.u32(id)
			return nil
		}
		e.memo[k] = e.next
	}
	e.next++

	if len(p.Class) == 0 || len(p.Class) > 0xFFFF {
		return fmt.Errorf("wire: invalid class name %q", p.Class)
	}
	e.buf.WriteByte(tagEntity)
	e.u16(uint16(len(p.Class)))
	e.buf.WriteString(p.Class)
	e.blob(p.Identity)

	dedupe := p.Class + "\x00" + string(p.Identity)
	if _, ok := e.seen[dedupe]; !ok {
		e.seen[dedupe] = struct{}{}
		e.ptrs = append(e.ptrs, Collected{Ptr: p, Value: v})
	}
	return nil
}

func (e *encoder) tuple(v any, elems []any) error {
	// Empty tuples cannot participate in cycles and may share a backing
	// pointer, so only non-empty ones are memoized.
	if len(elems) > 0 {
		k := memoKey{ptr: reflect.ValueOf(v).Pointer(), n: len(elems)}
		if id, ok := e.memo[k]; ok {
			e.buf.WriteByte(tagRef)
			e.u32(id)
			return nil
		}
		e.memo[k] = e.next
	}
	e.next++

	e.buf.WriteByte(tagTuple)
	e.u32(uint32(len(elems)))
	for _, el := range elems {
		if err := e.value(el); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) u16(x uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], x)
	e.buf.Write(b[:])
}

func (e *encoder) u32(x uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], x)
	e.buf.Write(b[:])
}

func (e *encoder) u64(x uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	e.buf.Write(b[:])
}

func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

type decoder struct {
	b   []byte
	off int

	// pass 2 state; nil during Scan
	g       Graph
	resolve Resolver
	memo    []any

	// pass 1 state
	ptrs []Pointer
	seen map[string]struct{}
}

// Scan is decode pass 1: it parses the encoding and returns the distinct
// entity pointers it references, resolving nothing.
func Scan(b []byte) ([]Pointer, error) {
	d := &decoder{b: b, seen: make(map[string]struct{})}
	if err := d.header(); err != nil {
		return nil, err
	}
	if err := d.skipValue(); err != nil {
		return nil, err
	}
	if d.off != len(d.b) {
		return nil, ErrCorrupt
	}
	return d.ptrs, nil
}

// Decode is pass 2: it reconstructs the value, substituting each pointer via
// resolve. The walk is fully synchronous.
func Decode(b []byte, g Graph, resolve Resolver) (any, error) {
	d := &decoder{b: b, g: g, resolve: resolve}
	if err := d.header(); err != nil {
		return nil, err
	}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.off != len(d.b) {
		return nil, ErrCorrupt
	}
	return v, nil
}

func (d *decoder) header() error {
	if len(d.b) < 5 || !bytes.Equal(d.b[:4], magic4[:]) || d.b[4] != version {
		return ErrCorrupt
	}
	d.off = 5
	return nil
}

func (d *decoder) value() (any, error) {
	tag, err := d.tag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		x, err := d.u64()
		return int64(x), err
	case tagFloat:
		x, err := d.u64()
		return math.Float64frombits(x), err
	case tagString:
		b, err := d.blob()
		return string(b), err
	case tagBytes:
		b, err := d.blob()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagTime:
		b, err := d.blob()
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, string(b))
		if err != nil {
			return nil, ErrCorrupt
		}
		return ts, nil
	case tagTuple:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		elems, val := d.g.NewTuple(n)
		// register before filling so self-references resolve
		d.memo = append(d.memo, val)
		for i := 0; i < n; i++ {
			el, err := d.value()
			if err != nil {
				return nil, err
			}
			elems[i] = el
		}
		return val, nil
	case tagEntity:
		p, err := d.pointer()
		if err != nil {
			return nil, err
		}
		v, ok := d.resolve(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s %x", ErrUnresolved, p.Class, p.Identity)
		}
		d.memo = append(d.memo, v)
		return v, nil
	case tagRef:
		id, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(id) >= len(d.memo) {
			return nil, ErrCorrupt
		}
		return d.memo[id], nil
	default:
		return nil, ErrCorrupt
	}
}

// skipValue walks a value without materializing it, collecting pointers.
func (d *decoder) skipValue() error {
	tag, err := d.tag()
	if err != nil {
		return err
	}
	switch tag {
	case tagNil, tagFalse, tagTrue:
		return nil
	case tagInt, tagFloat:
		_, err := d.u64()
		return err
	case tagString, tagBytes, tagTime:
		_, err := d.blob()
		return err
	case tagTuple:
		n, err := d.count()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := d.skipValue(); err != nil {
				return err
			}
		}
		return nil
	case tagEntity:
		p, err := d.pointer()
		if err != nil {
			return err
		}
		dedupe := p.Class + "\x00" + string(p.Identity)
		if _, ok := d.seen[dedupe]; !ok {
			d.seen[dedupe] = struct{}{}
			d.ptrs = append(d.ptrs, p)
		}
		return nil
	case tagRef:
		_, err := d.u32()
		return err
	default:
		return ErrCorrupt
	}
}

func (d *decoder) pointer() (Pointer, error) {
	n, err := d.u16()
	if err != nil {
		return Pointer{}, err
	}
	if n == 0 || int(n) > len(d.b)-d.off {
		return Pointer{}, ErrCorrupt
	}
	class := string(d.b[d.off : d.off+int(n)])
	d.off += int(n)
	idb, err := d.blob()
	if err != nil {
		return Pointer{}, err
	}
	id := make([]byte, len(idb))
	copy(id, idb)
	return Pointer{Class: class, Identity: id}, nil
}

func (d *decoder) tag() (byte, error) {
	if d.off >= len(d.b) {
		return 0, ErrCorrupt
	}
	t := d.b[d.off]
	d.off++
	return t, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.off+2 > len(d.b) {
		return 0, ErrCorrupt
	}
	x := binary.BigEndian.Uint16(d.b[d.off : d.off+2])
	d.off += 2
	return x, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.b) {
		return 0, ErrCorrupt
	}
	x := binary.BigEndian.Uint32(d.b[d.off : d.off+4])
	d.off += 4
	return x, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.b) {
		return 0, ErrCorrupt
	}
	x := binary.BigEndian.Uint64(d.b[d.off : d.off+8])
	d.off += 8
	return x, nil
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > len(d.b)-d.off { // overflow-safe bound check
		return nil, ErrCorrupt
	}
	b := d.b[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

// count reads a tuple length and sanity-checks it against the remaining
// bytes so a forged header cannot force a huge allocation.
func (d *decoder) count() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if int(n) > len(d.b)-d.off {
		return 0, ErrCorrupt
	}
	return int(n), nil
}
