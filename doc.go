// Package cachedview implements a transparent, identity-preserving cache for
// entities fetched from remote sources. Obtaining the same (class, identity)
// twice through one cache yields the same pointer; derived attributes are
// computed at most once per store and may reference other entities, which
// are routed through the same identity map on decode.
//
// Components:
//   - Class: registered descriptor of an entity type (persisted fields,
//     identity key, source constructor, derived attributes).
//   - Cache: identity map over a Store with single-flight resolution
//     (memory, then store, then source). Null is the no-op stand-in every
//     unassociated entity starts with.
//   - Store: durable record/blob backend. In-memory, SQLite and Redis
//     implementations ship in the store package.
//
// Resolution:
//
//	p, _ := cachedview.Obtain[Post](ctx, c, int64(7)) // memory -> store -> source
//	q, _ := cachedview.Obtain[Post](ctx, c, int64(7)) // p == q
//	v, _ := cachedview.Attribute[cachedview.Tuple](ctx, p, "comments")
//
// Entities embed Base and are associated with the first cache that
// registers them; relations traversed via ObtainRelated stay inside that
// cache. Attribute values are persisted in a compact tagged encoding whose
// entity references survive cycles and restarts.
package cachedview
