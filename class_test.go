package cachedview

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestRegisterRequiresIdentity(t *testing.T) {
	type NoKey struct {
		Base
		Name string
	}
	_, err := Register[NoKey](ClassConfig[NoKey]{Name: "nokey"})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError", err)
	}
}

func TestRegisterExplicitIdentityMissingColumn(t *testing.T) {
	type Thing struct {
		Base
		ID int64 `cv:"id"`
	}
	_, err := Register[Thing](ClassConfig[Thing]{
		Name:     "thing-badkey",
		Identity: []string{"nope"},
	})
	var ce *ContractError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ContractError", err)
	}
}

func TestRegisterRejectsNonPersistableField(t *testing.T) {
	type Weird struct {
		Base
		ID int64 `cv:"id,identity"`
		M  map[string]int
	}
	_, err := Register[Weird](ClassConfig[Weird]{Name: "weird"})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError", err)
	}
}

func TestRegisterRejectsFixedArityResult(t *testing.T) {
	type Arr struct {
		Base
		ID int64 `cv:"id,identity"`
	}
	_, err := Register[Arr](ClassConfig[Arr]{
		Name: "arr",
		Attributes: []AttributeSpec{{
			Name:    "pair",
			Result:  reflect.TypeOf([2]int{}),
			Compute: func(context.Context, Entity) (any, error) { return [2]int{}, nil },
		}},
	})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError for fixed-arity result", err)
	}
}

func TestRegisterRejectsSliceResult(t *testing.T) {
	type Sl struct {
		Base
		ID int64 `cv:"id,identity"`
	}
	_, err := Register[Sl](ClassConfig[Sl]{
		Name: "sl",
		Attributes: []AttributeSpec{{
			Name:    "items",
			Result:  reflect.TypeOf([]string(nil)),
			Compute: func(context.Context, Entity) (any, error) { return nil, nil },
		}},
	})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError for slice result", err)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	type DupA struct {
		Base
		ID int64 `cv:"id,identity"`
	}
	type DupB struct {
		Base
		ID int64 `cv:"id,identity"`
	}
	if _, err := Register[DupA](ClassConfig[DupA]{Name: "dup"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := Register[DupB](ClassConfig[DupB]{Name: "dup"})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError for duplicate name", err)
	}
}

func TestRegisterRequiresBase(t *testing.T) {
	type Plain struct {
		ID int64 `cv:"id,identity"`
	}
	_, err := Register[Plain](ClassConfig[Plain]{Name: "plain"})
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DefinitionError for missing Base", err)
	}
}

type kitchenSink struct {
	Base
	ID      int64 `cv:"id,identity"`
	When    time.Time
	Ratio   float32
	Flag    bool
	Count   uint16
	Payload []byte
	Note    string
	skipped int    `cv:"ignored"` // unexported, never persisted
	Skipped string `cv:"-"`
}

var sinkClass = MustRegister[kitchenSink](ClassConfig[kitchenSink]{Name: "sink"})

func TestValuesLoadRoundTrip(t *testing.T) {
	when := time.Date(2024, 5, 17, 12, 30, 0, 0, time.UTC)
	in := &kitchenSink{
		ID:      42,
		When:    when,
		Ratio:   0.5,
		Flag:    true,
		Count:   300,
		Payload: []byte{1, 2, 3},
		Note:    "hi",
	}
	vals, err := sinkClass.values(in)
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if len(vals) != 7 {
		t.Fatalf("values len = %d, want 7", len(vals))
	}
	e, err := sinkClass.load(vals)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out := e.(*kitchenSink)
	if out.ID != 42 || !out.When.Equal(when) || out.Ratio != 0.5 ||
		!out.Flag || out.Count != 300 || string(out.Payload) != "\x01\x02\x03" || out.Note != "hi" {
		t.Fatalf("round trip mangled fields: %+v", out)
	}
	if out.skipped != 0 || out.Skipped != "" {
		t.Fatalf("non-persisted fields must stay zero")
	}
}

func TestLoadWidenedDriverValues(t *testing.T) {
	// Untyped storage hands back int64 for bools/floats and strings for
	// times; load narrows them.
	vals := []any{
		int64(42),
		"2024-05-17 12:30:00+00:00",
		int64(1), // float column stored as integer
		int64(1), // bool as integer
		int64(300),
		[]byte{9},
		[]byte("note"), // string as bytes
	}
	e, err := sinkClass.load(vals)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out := e.(*kitchenSink)
	if out.Ratio != 1 || !out.Flag || out.Note != "note" {
		t.Fatalf("widened values not narrowed: %+v", out)
	}
	if out.When.IsZero() {
		t.Fatalf("time column not parsed")
	}
}

func TestLoadOverflowRejected(t *testing.T) {
	vals := []any{
		int64(42),
		time.Now(),
		float64(0),
		false,
		int64(70000), // overflows uint16
		[]byte(nil),
		"",
	}
	if _, err := sinkClass.load(vals); err == nil {
		t.Fatalf("expected overflow error for uint16 column")
	}
}

func TestIdentityOfNormalizes(t *testing.T) {
	id, err := sinkClass.identityOf(&kitchenSink{ID: 7})
	if err != nil {
		t.Fatalf("identityOf: %v", err)
	}
	if len(id) != 1 {
		t.Fatalf("identity len = %d, want 1", len(id))
	}
	if _, ok := id[0].(int64); !ok {
		t.Fatalf("identity element is %T, want int64", id[0])
	}
}

func TestSchemaColumns(t *testing.T) {
	s := sinkClass.schema
	if s.Class != "sink" {
		t.Fatalf("schema class = %q", s.Class)
	}
	want := []string{"id", "when", "ratio", "flag", "count", "payload", "note"}
	if !reflect.DeepEqual(s.Columns, want) {
		t.Fatalf("columns = %v, want %v", s.Columns, want)
	}
	if !reflect.DeepEqual(s.Key, []string{"id"}) {
		t.Fatalf("key = %v, want [id]", s.Key)
	}
}
