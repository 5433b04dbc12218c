package cachedview

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/unboiled/cachedview/internal/ident"
	"github.com/unboiled/cachedview/internal/wire"
	"github.com/unboiled/cachedview/store"
)

// ComputeFunc produces a derived attribute's value from its owner. It must
// be idempotent: the cache guarantees it runs at most once per
// (class, identity, attribute) per store, but reserves the right to call it
// again after the store is discarded.
type ComputeFunc func(ctx context.Context, owner Entity) (any, error)

type sourceFunc func(ctx context.Context, identity []any) (Entity, error)
type sourceWithCacheFunc func(ctx context.Context, c Cache, identity []any) (Entity, error)

// Class is the registered descriptor of one entity type: its persisted
// field set, identity key, source constructor and derived attributes.
type Class struct {
	name       string
	typ        reflect.Type // the entity struct type, without the pointer
	fields     []fieldSpec
	keyIdx     []int // indexes into fields, in identity order
	obtain     sourceFunc
	obtainWith sourceWithCacheFunc
	attrs      map[string]*attribute
	schema     store.Schema
}

type fieldSpec struct {
	column string
	index  int // struct field index
	key    bool
}

// attribute is a named, lazily computed, cacheable value hanging off an
// entity.
type attribute struct {
	class   *Class
	name    string
	tuple   bool
	compute ComputeFunc
}

// AttributeSpec declares a derived attribute at class registration.
type AttributeSpec struct {
	Name string
	// Tuple declares that the result is an open Tuple. Results that are
	// plain slices fail shape validation on every access.
	Tuple bool
	// Result optionally declares the result type so obviously wrong
	// declarations fail at registration: fixed-size arrays (fixed-arity
	// tuples) and non-Tuple slices are definition errors.
	Result reflect.Type
	// Compute derives the value from the owner alone.
	Compute ComputeFunc
}

// ClassConfig registers an entity type E. Exported fields of E are the
// persisted field set; `cv:"name"` tags rename columns and `cv:",identity"`
// marks identity-key fields (alternatively list them in Identity).
//
// Source constructors receive identity values normalized to int64, float64,
// string, bool, []byte or time.Time.
type ClassConfig[E any] struct {
	// Name is the class name; defaults to the struct type name.
	Name string
	// Identity optionally lists identity columns in key order,
	// overriding tags. Naming a column that does not exist on E is a
	// contract violation.
	Identity []string
	// Obtain is the source constructor, invoked when neither the
	// identity map nor the store has the entity.
	Obtain func(ctx context.Context, identity ...any) (*E, error)
	// ObtainWithCache is an alternative constructor receiving the
	// calling cache, so a batch fetch can pre-populate derived
	// attributes of the result (e.g. a post fetched with its comments).
	// Takes precedence over Obtain.
	ObtainWithCache func(ctx context.Context, c Cache, identity ...any) (*E, error)
	Attributes      []AttributeSpec
}

var classes = struct {
	mu     sync.RWMutex
	byName map[string]*Class
	byType map[reflect.Type]*Class
}{
	byName: make(map[string]*Class),
	byType: make(map[reflect.Type]*Class),
}

var (
	baseType   = reflect.TypeOf(Base{})
	tupleType  = reflect.TypeOf(Tuple(nil))
	timeType   = reflect.TypeOf(time.Time{})
	bytesType  = reflect.TypeOf([]byte(nil))
	entityType = reflect.TypeOf((*Entity)(nil)).Elem()
)

// Register adds E to the class registry. Like encoding/gob registration it
// is typically done from package-level variables, once per type.
func Register[E any](cfg ClassConfig[E]) (*Class, error) {
	ptr := reflect.TypeOf((*E)(nil))
	if !ptr.Implements(entityType) {
		return nil, &DefinitionError{
			Class:  ptr.Elem().String(),
			Detail: "entity structs must embed cachedview.Base",
		}
	}
	typ := ptr.Elem()
	name := coalesce(cfg.Name, typ.Name())
	if name == "" {
		return nil, &DefinitionError{Class: typ.String(), Detail: "unnamed class"}
	}

	cl := &Class{
		name:  name,
		typ:   typ,
		attrs: make(map[string]*attribute, len(cfg.Attributes)),
	}
	if err := cl.reflectFields(cfg.Identity); err != nil {
		return nil, err
	}

	if cfg.ObtainWithCache != nil {
		fn := cfg.ObtainWithCache
		cl.obtainWith = func(ctx context.Context, c Cache, identity []any) (Entity, error) {
			e, err := fn(ctx, c, identity...)
			if err != nil {
				return nil, err
			}
			return any(e).(Entity), nil
		}
	} else if cfg.Obtain != nil {
		fn := cfg.Obtain
		cl.obtain = func(ctx context.Context, identity []any) (Entity, error) {
			e, err := fn(ctx, identity...)
			if err != nil {
				return nil, err
			}
			return any(e).(Entity), nil
		}
	}

	for _, spec := range cfg.Attributes {
		a, err := cl.newAttribute(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := cl.attrs[a.name]; dup {
			return nil, &DefinitionError{Class: name, Attr: a.name, Detail: "duplicate attribute"}
		}
		cl.attrs[a.name] = a
	}

	classes.mu.Lock()
	defer classes.mu.Unlock()
	if _, dup := classes.byName[name]; dup {
		return nil, &DefinitionError{Class: name, Detail: "class name already registered"}
	}
	if _, dup := classes.byType[typ]; dup {
		return nil, &DefinitionError{Class: name, Detail: "type already registered under another name"}
	}
	classes.byName[name] = cl
	classes.byType[typ] = cl
	return cl, nil
}

// MustRegister is Register panicking on error, for package-level use.
func MustRegister[E any](cfg ClassConfig[E]) *Class {
	cl, err := Register[E](cfg)
	if err != nil {
		panic(err)
	}
	return cl
}

func (cl *Class) reflectFields(identity []string) error {
	for i := 0; i < cl.typ.NumField(); i++ {
		f := cl.typ.Field(i)
		if f.Anonymous && f.Type == baseType {
			continue
		}
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("cv")
		if tag == "-" {
			continue
		}
		column, opts, _ := strings.Cut(tag, ",")
		column = coalesce(column, strings.ToLower(f.Name))
		if !persistableField(f.Type) {
			return &DefinitionError{
				Class:  cl.name,
				Detail: fmt.Sprintf("field %s has non-persistable type %s", f.Name, f.Type),
			}
		}
		cl.fields = append(cl.fields, fieldSpec{
			column: column,
			index:  i,
			key:    tagHasOption(opts, "identity"),
		})
	}
	if len(cl.fields) == 0 {
		return &DefinitionError{Class: cl.name, Detail: "no persistable fields"}
	}

	if len(identity) > 0 {
		// explicit list replaces tags and fixes the key order
		for i := range cl.fields {
			cl.fields[i].key = false
		}
		for _, column := range identity {
			idx := -1
			for i, fs := range cl.fields {
				if fs.column == column {
					idx = i
					break
				}
			}
			if idx < 0 {
				return &ContractError{
					Class:  cl.name,
					Op:     "register",
					Detail: fmt.Sprintf("identity field %q not present on the entity", column),
				}
			}
			cl.fields[idx].key = true
			cl.keyIdx = append(cl.keyIdx, idx)
		}
	} else {
		for i, fs := range cl.fields {
			if fs.key {
				cl.keyIdx = append(cl.keyIdx, i)
			}
		}
	}
	if len(cl.keyIdx) == 0 {
		return &DefinitionError{Class: cl.name, Detail: "no identity fields declared"}
	}

	cl.schema = store.Schema{Class: cl.name}
	for _, fs := range cl.fields {
		cl.schema.Columns = append(cl.schema.Columns, fs.column)
	}
	for _, i := range cl.keyIdx {
		cl.schema.Key = append(cl.schema.Key, cl.fields[i].column)
	}
	return nil
}

func (cl *Class) newAttribute(spec AttributeSpec) (*attribute, error) {
	if spec.Name == "" {
		return nil, &DefinitionError{Class: cl.name, Detail: "attribute with empty name"}
	}
	if spec.Compute == nil {
		return nil, &DefinitionError{Class: cl.name, Attr: spec.Name, Detail: "nil compute function"}
	}
	tuple := spec.Tuple
	if spec.Result != nil {
		switch {
		case spec.Result.Kind() == reflect.Array:
			return nil, &DefinitionError{
				Class: cl.name, Attr: spec.Name,
				Detail: fmt.Sprintf("fixed-arity result %s; derived attributes return a single value or an open Tuple", spec.Result),
			}
		case spec.Result == tupleType:
			tuple = true
		case spec.Result.Kind() == reflect.Slice && spec.Result != bytesType:
			return nil, &DefinitionError{
				Class: cl.name, Attr: spec.Name,
				Detail: fmt.Sprintf("mutable slice result %s; declare a cachedview.Tuple", spec.Result),
			}
		}
	}
	return &attribute{class: cl, name: spec.Name, tuple: tuple, compute: spec.Compute}, nil
}

func (cl *Class) Name() string { return cl.name }

func (cl *Class) attribute(name string) (*attribute, error) {
	a, ok := cl.attrs[name]
	if !ok {
		return nil, &DefinitionError{Class: cl.name, Attr: name, Detail: "no such attribute"}
	}
	return a, nil
}

func (cl *Class) construct(ctx context.Context, c Cache, id []any) (Entity, error) {
	switch {
	case cl.obtainWith != nil:
		return cl.obtainWith(ctx, c, id)
	case cl.obtain != nil:
		return cl.obtain(ctx, id)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSource, cl.name)
	}
}

// identityOf extracts the normalized identity tuple of e.
func (cl *Class) identityOf(e Entity) ([]any, error) {
	ev := reflect.ValueOf(e).Elem()
	vals := make([]any, len(cl.keyIdx))
	for i, fi := range cl.keyIdx {
		vals[i] = ev.Field(cl.fields[fi].index).Interface()
	}
	return ident.Normalize(vals)
}

// values flattens e into its record row, normalized for storage drivers.
func (cl *Class) values(e Entity) ([]any, error) {
	ev := reflect.ValueOf(e).Elem()
	out := make([]any, len(cl.fields))
	for i, fs := range cl.fields {
		fv := ev.Field(fs.index)
		switch fv.Kind() {
		case reflect.Bool:
			out[i] = fv.Bool()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out[i] = fv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := fv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("cachedview: %s.%s: %d overflows int64", cl.name, fs.column, u)
			}
			out[i] = int64(u)
		case reflect.Float32, reflect.Float64:
			out[i] = fv.Float()
		case reflect.String:
			out[i] = fv.String()
		case reflect.Slice: // []byte, per registration check
			out[i] = fv.Bytes()
		default: // time.Time, per registration check
			out[i] = fv.Interface()
		}
	}
	return out, nil
}

// load reconstructs a live entity from a stored record row.
func (cl *Class) load(values []any) (Entity, error) {
	if len(values) != len(cl.fields) {
		return nil, fmt.Errorf("cachedview: %s: record has %d values, schema has %d columns",
			cl.name, len(values), len(cl.fields))
	}
	ep := reflect.New(cl.typ)
	ev := ep.Elem()
	for i, fs := range cl.fields {
		if err := assignField(ev.Field(fs.index), values[i]); err != nil {
			return nil, fmt.Errorf("cachedview: %s.%s: %w", cl.name, fs.column, err)
		}
	}
	return ep.Interface().(Entity), nil
}

// assignField converts a stored value back into a struct field. Drivers
// widen on write (int64 / float64 / string / []byte), so the narrowing here
// mirrors values().
func assignField(f reflect.Value, v any) error {
	if v == nil {
		f.SetZero()
		return nil
	}
	switch f.Kind() {
	case reflect.Bool:
		switch x := v.(type) {
		case bool:
			f.SetBool(x)
		case int64: // sqlite stores booleans as integers
			f.SetBool(x != 0)
		default:
			return fmt.Errorf("cannot load %T into bool", v)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := storedInt(v)
		if err != nil {
			return err
		}
		if f.OverflowInt(n) {
			return fmt.Errorf("%d overflows %s", n, f.Type())
		}
		f.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := storedInt(v)
		if err != nil {
			return err
		}
		if n < 0 || f.OverflowUint(uint64(n)) {
			return fmt.Errorf("%d overflows %s", n, f.Type())
		}
		f.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		switch x := v.(type) {
		case float64:
			f.SetFloat(x)
		case int64:
			f.SetFloat(float64(x))
		default:
			return fmt.Errorf("cannot load %T into %s", v, f.Type())
		}
	case reflect.String:
		switch x := v.(type) {
		case string:
			f.SetString(x)
		case []byte:
			f.SetString(string(x))
		default:
			return fmt.Errorf("cannot load %T into string", v)
		}
	case reflect.Slice:
		switch x := v.(type) {
		case []byte:
			b := make([]byte, len(x))
			copy(b, x)
			f.SetBytes(b)
		case string:
			f.SetBytes([]byte(x))
		default:
			return fmt.Errorf("cannot load %T into []byte", v)
		}
	default: // time.Time
		ts, err := storedTime(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(ts))
	}
	return nil
}

func storedInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("cannot load %T as integer", v)
	}
}

// sqliteTimeLayout is how database/sql drivers commonly render time.Time
// into untyped columns.
const sqliteTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

func storedTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(sqliteTimeLayout, x); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse stored time %q", x)
	case []byte:
		return storedTime(string(x))
	default:
		return time.Time{}, fmt.Errorf("cannot load %T into time.Time", v)
	}
}

func persistableField(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t == bytesType
	default:
		return t == timeType
	}
}

func tagHasOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")
		if o == want {
			return true
		}
	}
	return false
}

func classOf(e Entity) (*Class, error) {
	t := reflect.TypeOf(e)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, &ContractError{Op: "classOf", Detail: fmt.Sprintf("entity must be a struct pointer, got %T", e)}
	}
	classes.mu.RLock()
	cl, ok := classes.byType[t.Elem()]
	classes.mu.RUnlock()
	if !ok {
		return nil, &DefinitionError{Class: t.Elem().String(), Detail: "type is not a registered class"}
	}
	return cl, nil
}

func classByName(name string) (*Class, error) {
	classes.mu.RLock()
	cl, ok := classes.byName[name]
	classes.mu.RUnlock()
	if !ok {
		return nil, &DefinitionError{Class: name, Detail: "unknown class name"}
	}
	return cl, nil
}

func classForType(t reflect.Type) (*Class, error) {
	classes.mu.RLock()
	cl, ok := classes.byType[t]
	classes.mu.RUnlock()
	if !ok {
		return nil, &DefinitionError{Class: t.String(), Detail: "type is not a registered class"}
	}
	return cl, nil
}

// check validates a derived-attribute result before anything is persisted.
func (a *attribute) check(v any) error {
	if a.tuple {
		if _, ok := v.(Tuple); !ok {
			return &ShapeError{
				Class: a.class.name, Attr: a.name,
				Got: fmt.Sprintf("%T where an open Tuple was declared", v),
			}
		}
	}
	seen := make(map[uintptr]struct{})
	return a.checkValue(v, seen)
}

func (a *attribute) checkValue(v any, seen map[uintptr]struct{}) error {
	switch x := v.(type) {
	case nil, bool, string, []byte, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case Entity:
		if _, err := classOf(x); err != nil {
			return &ShapeError{Class: a.class.name, Attr: a.name,
				Got: fmt.Sprintf("entity of unregistered type %T", v)}
		}
		return nil
	case Tuple:
		if len(x) > 0 {
			p := reflect.ValueOf(x).Pointer()
			if _, ok := seen[p]; ok {
				return nil // cycle, already validated
			}
			seen[p] = struct{}{}
		}
		for _, el := range x {
			if err := a.checkValue(el, seen); err != nil {
				return err
			}
		}
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice:
		return &ShapeError{Class: a.class.name, Attr: a.name,
			Got: fmt.Sprintf("mutable slice %T where an open Tuple is required", v)}
	case reflect.Array:
		return &ShapeError{Class: a.class.name, Attr: a.name,
			Got: fmt.Sprintf("fixed-arity array %T", v)}
	default:
		return &ShapeError{Class: a.class.name, Attr: a.name,
			Got: fmt.Sprintf("unsupported type %T", v)}
	}
}

// graphModel adapts the entity model to the wire codec.
type graphModel struct{}

var _ wire.Graph = graphModel{}

func (graphModel) Reduce(v any) (wire.Pointer, bool, error) {
	e, ok := v.(Entity)
	if !ok {
		return wire.Pointer{}, false, nil
	}
	cl, err := classOf(e)
	if err != nil {
		return wire.Pointer{}, false, err
	}
	id, err := cl.identityOf(e)
	if err != nil {
		return wire.Pointer{}, false, err
	}
	b, err := ident.Encode(id)
	if err != nil {
		return wire.Pointer{}, false, err
	}
	return wire.Pointer{Class: cl.name, Identity: b}, true, nil
}

func (graphModel) Tuple(v any) ([]any, bool) {
	t, ok := v.(Tuple)
	return t, ok
}

func (graphModel) NewTuple(n int) ([]any, any) {
	t := make(Tuple, n)
	return t, t
}
