package cachedview

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/unboiled/cachedview/store"
)

// Cache is the identity-preserving cache surface. The real implementation
// is returned by New; Null is the no-op stand-in every unassociated entity
// carries.
type Cache interface {
	// Obtain returns the canonical instance of cls for the identity
	// tuple, resolving memory first, then the durable store, then the
	// class's source constructor. Concurrent calls for one key observe
	// exactly one resolution and receive the identical instance.
	Obtain(ctx context.Context, cls *Class, identity ...any) (Entity, error)

	// Add registers an already-constructed entity. When the identity is
	// taken, the argument is discarded and the existing canonical
	// instance returned; callers must not assume the passed-in entity
	// becomes canonical.
	Add(ctx context.Context, e Entity) (Entity, error)

	// AddAttribute force-sets a derived attribute's cached value without
	// running its compute function, e.g. when a batch fetch produced the
	// value as a side effect. Embedded entity references are collected,
	// registered and canonicalized exactly as for a computed result.
	AddAttribute(ctx context.Context, cls *Class, identity []any, attr string, value any) error

	// Attribute returns the entity's derived attribute, resolving the
	// in-memory attribute map first, then the store blob, then the
	// attribute's compute function. Single-flighted per
	// (class, identity, attribute).
	Attribute(ctx context.Context, e Entity, attr string) (any, error)

	// Close releases the underlying store.
	Close(ctx context.Context) error
}

// Options tune a cache. All fields are optional: the zero value yields a
// transient in-memory cache.
type Options struct {
	// Path selects the durable store: empty for a transient in-memory
	// store, a redis:// or rediss:// URL for Redis, any other string for
	// a SQLite database path.
	Path string
	// Store overrides Path with an explicit store. The cache owns it and
	// closes it.
	Store store.Store
	// Logger receives debug/error events; nil disables logging.
	Logger Logger
}

// New creates a cache over the store selected by opts.
func New(opts Options) (Cache, error) {
	st := opts.Store
	if st == nil {
		var err error
		switch {
		case opts.Path == "":
			st = store.NewMemory()
		case strings.HasPrefix(opts.Path, "redis://"), strings.HasPrefix(opts.Path, "rediss://"):
			st, err = store.OpenRedis(opts.Path)
		default:
			st, err = store.OpenSQLite(opts.Path)
		}
		if err != nil {
			return nil, err
		}
	}
	return newCache(st, coalesce[Logger](opts.Logger, NopLogger{})), nil
}

// Obtain is the typed convenience form of Cache.Obtain.
func Obtain[E any](ctx context.Context, c Cache, identity ...any) (*E, error) {
	cl, err := classForType(reflect.TypeOf((*E)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	e, err := c.Obtain(ctx, cl, identity...)
	if err != nil {
		return nil, err
	}
	return any(e).(*E), nil
}

// ObtainRelated obtains an entity through the cache its owner is associated
// with, so relations traverse the same identity map. Owners without a cache
// fall through to the source via Null.
func ObtainRelated[E any](ctx context.Context, owner Entity, identity ...any) (*E, error) {
	return Obtain[E](ctx, CacheOf(owner), identity...)
}

// Attribute is the typed convenience form of Cache.Attribute, looked up
// through the entity's associated cache.
func Attribute[V any](ctx context.Context, e Entity, attr string) (V, error) {
	var zero V
	v, err := CacheOf(e).Attribute(ctx, e, attr)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("cachedview: attribute %q holds %T, requested %T", attr, v, zero)
	}
	return out, nil
}
