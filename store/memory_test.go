package store

import (
	"context"
	"errors"
	"testing"
)

var postsSchema = Schema{
	Class:   "post",
	Columns: []string{"id", "title"},
	Key:     []string{"id"},
}

func TestMemoryRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetRecord(ctx, postsSchema, []any{int64(1)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("miss err = %v, want ErrNotFound", err)
	}
	if err := m.PutRecord(ctx, postsSchema, []any{int64(1), "hello"}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	vals, err := m.GetRecord(ctx, postsSchema, []any{int64(1)})
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if len(vals) != 2 || vals[0] != int64(1) || vals[1] != "hello" {
		t.Fatalf("GetRecord = %v", vals)
	}

	// upsert replaces
	if err := m.PutRecord(ctx, postsSchema, []any{int64(1), "edited"}); err != nil {
		t.Fatalf("PutRecord upsert: %v", err)
	}
	vals, err = m.GetRecord(ctx, postsSchema, []any{int64(1)})
	if err != nil || vals[1] != "edited" {
		t.Fatalf("after upsert: vals=%v err=%v", vals, err)
	}
}

func TestMemoryRecordIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	in := []any{int64(1), "hello"}
	if err := m.PutRecord(ctx, postsSchema, in); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	in[1] = "mutated"
	vals, err := m.GetRecord(ctx, postsSchema, []any{int64(1)})
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if vals[1] != "hello" {
		t.Fatalf("stored row aliases caller slice: %v", vals)
	}
	vals[1] = "also mutated"
	again, _ := m.GetRecord(ctx, postsSchema, []any{int64(1)})
	if again[1] != "hello" {
		t.Fatalf("returned row aliases stored slice: %v", again)
	}
}

func TestMemoryValueCountMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.PutRecord(ctx, postsSchema, []any{int64(1)}); err == nil {
		t.Fatalf("expected error for short row")
	}
}

func TestMemoryKeyTypesDistinct(t *testing.T) {
	// Keys are typed: an int64 1 and a string "1" are different records.
	ctx := context.Background()
	m := NewMemory()
	s := Schema{Class: "t", Columns: []string{"k"}, Key: []string{"k"}}
	if err := m.PutRecord(ctx, s, []any{int64(1)}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if _, err := m.GetRecord(ctx, s, []any{"1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("string key matched integer record: err=%v", err)
	}
}

func TestMemoryBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetBlob(ctx, "post", "01", "comments"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("miss err = %v, want ErrNotFound", err)
	}
	if err := m.PutBlob(ctx, "post", "01", "comments", []byte{1, 2}); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	b, err := m.GetBlob(ctx, "post", "01", "comments")
	if err != nil || string(b) != "\x01\x02" {
		t.Fatalf("GetBlob = %v, %v", b, err)
	}
	// distinct attrs do not collide
	if _, err := m.GetBlob(ctx, "post", "01", "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attr collision: err=%v", err)
	}
}
