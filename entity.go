package cachedview

import "sync/atomic"

// Entity is satisfied by pointers to structs that embed Base. Exported
// struct fields form the persisted field set; Base itself is never
// persisted, hashed or compared.
type Entity interface {
	entityBase() *Base
}

// Tuple is the open, homogeneous-by-convention sequence shape allowed in
// derived-attribute results. It is a slice under the hood but is treated as
// immutable once returned; plain mutable slices are rejected by shape
// validation, so uses of Tuple are an explicit opt-in to value semantics.
type Tuple []any

// Base carries an entity's cache association: a cell set at most once, by
// the first cache that registers the entity. Embed it (by value) in every
// entity struct.
type Base struct {
	assoc atomic.Pointer[assocBox]
}

// assocBox exists because atomic.Pointer needs a concrete pointee while the
// association itself is an interface value.
type assocBox struct{ c Cache }

func (b *Base) entityBase() *Base { return b }

// bind associates the entity with c. The transition happens exactly once;
// binding again to the same cache is a no-op, to a different cache a
// contract violation.
func (b *Base) bind(c Cache, class string) error {
	box := &assocBox{c: c}
	if b.assoc.CompareAndSwap(nil, box) {
		return nil
	}
	if b.assoc.Load().c == c {
		return nil
	}
	return &ContractError{
		Class:  class,
		Op:     "associate",
		Detail: "entity is already associated with a different cache",
	}
}

// CacheOf returns the cache an entity is associated with, or the Null cache
// when it has never been registered anywhere. Call sites never need to
// branch on "is this cached".
func CacheOf(e Entity) Cache {
	if box := e.entityBase().assoc.Load(); box != nil {
		return box.c
	}
	return Null{}
}
