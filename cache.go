package cachedview

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/unboiled/cachedview/internal/ident"
	"github.com/unboiled/cachedview/internal/keylock"
	"github.com/unboiled/cachedview/internal/wire"
	"github.com/unboiled/cachedview/store"
)

// cache is the real identity map. Entities and attribute values live in
// mutex-guarded maps for the lifetime of the cache; per-key exclusive locks
// provide the single-flight guarantee, so correctness does not depend on
// cooperative scheduling.
type cache struct {
	st    store.Store
	log   Logger
	locks *keylock.Locker

	mu       sync.Mutex
	entities map[*Class]map[string]Entity
	attrs    map[*Class]map[string]map[string]any
}

func newCache(st store.Store, log Logger) *cache {
	return &cache{
		st:       st,
		log:      log,
		locks:    keylock.New(),
		entities: make(map[*Class]map[string]Entity),
		attrs:    make(map[*Class]map[string]map[string]any),
	}
}

func (c *cache) Close(ctx context.Context) error {
	return c.st.Close(ctx)
}

func (c *cache) Obtain(ctx context.Context, cls *Class, identity ...any) (Entity, error) {
	id, err := normalizeIdentity(cls, identity)
	if err != nil {
		return nil, err
	}
	key, err := ident.Key(id)
	if err != nil {
		return nil, err
	}

	release, err := c.locks.Acquire(ctx, "ent\x00"+cls.name+"\x00"+key)
	if err != nil {
		return nil, err
	}
	defer release()

	if e := c.lookup(cls, key); e != nil {
		return e, nil
	}

	values, err := c.st.GetRecord(ctx, cls.schema, id)
	switch {
	case err == nil:
		e, err := cls.load(values)
		if err != nil {
			return nil, err
		}
		c.log.Debug("obtain: loaded from store", Fields{"class": cls.name, "id": key})
		return c.register(cls, key, e)
	case errors.Is(err, store.ErrNotFound):
		// fall through to the source
	default:
		return nil, err
	}

	e, err := cls.construct(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if err := validateConstructed(cls, id, e); err != nil {
		c.log.Error("obtain: source contract violation", Fields{"class": cls.name, "id": key, "err": err})
		return nil, err
	}
	c.log.Debug("obtain: constructed from source", Fields{"class": cls.name, "id": key})
	return c.registerAndPersist(ctx, cls, key, e)
}

func (c *cache) Add(ctx context.Context, e Entity) (Entity, error) {
	cls, err := classOf(e)
	if err != nil {
		return nil, err
	}
	id, err := cls.identityOf(e)
	if err != nil {
		return nil, err
	}
	key, err := ident.Key(id)
	if err != nil {
		return nil, err
	}
	return c.registerAndPersist(ctx, cls, key, e)
}

func (c *cache) AddAttribute(ctx context.Context, cls *Class, identity []any, attr string, value any) error {
	a, err := cls.attribute(attr)
	if err != nil {
		return err
	}
	id, err := normalizeIdentity(cls, identity)
	if err != nil {
		return err
	}
	key, err := ident.Key(id)
	if err != nil {
		return err
	}

	release, err := c.locks.Acquire(ctx, attrLockKey(cls, key, attr))
	if err != nil {
		return err
	}
	defer release()

	if err := a.check(value); err != nil {
		return err
	}
	data, resolved, err := c.persistAttribute(ctx, cls, key, attr, value)
	if err != nil {
		return err
	}
	v, err := c.decodeResolved(data, resolved)
	if err != nil {
		return err
	}
	c.memoizeAttr(cls, key, attr, v)
	return nil
}

func (c *cache) Attribute(ctx context.Context, e Entity, attr string) (any, error) {
	cls, err := classOf(e)
	if err != nil {
		return nil, err
	}
	a, err := cls.attribute(attr)
	if err != nil {
		return nil, err
	}
	id, err := cls.identityOf(e)
	if err != nil {
		return nil, err
	}
	key, err := ident.Key(id)
	if err != nil {
		return nil, err
	}

	release, err := c.locks.Acquire(ctx, attrLockKey(cls, key, attr))
	if err != nil {
		return nil, err
	}
	defer release()

	if v, ok := c.lookupAttr(cls, key, attr); ok {
		return v, nil
	}

	var v any
	data, err := c.st.GetBlob(ctx, cls.name, key, attr)
	switch {
	case err == nil:
		c.log.Debug("attribute: loaded from store", Fields{"class": cls.name, "id": key, "attr": attr})
		v, err = c.decodeBlob(ctx, data)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrNotFound):
		result, err := a.compute(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := a.check(result); err != nil {
			return nil, err
		}
		data, resolved, err := c.persistAttribute(ctx, cls, key, attr, result)
		if err != nil {
			return nil, err
		}
		c.log.Debug("attribute: computed", Fields{"class": cls.name, "id": key, "attr": attr})
		// Decoding even the freshly computed value routes every embedded
		// entity reference through the identity map, so the memoized
		// form is fully canonical.
		v, err = c.decodeResolved(data, resolved)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	c.memoizeAttr(cls, key, attr, v)
	return v, nil
}

// persistAttribute encodes value, registers every embedded entity, writes
// the blob, and returns it together with the canonical instance of every
// entity the value referenced.
func (c *cache) persistAttribute(ctx context.Context, cls *Class, key, attr string, value any) ([]byte, map[string]Entity, error) {
	data, collected, err := wire.Encode(value, graphModel{})
	if err != nil {
		return nil, nil, err
	}
	resolved := make(map[string]Entity, len(collected))
	for _, col := range collected {
		canonical, err := c.Add(ctx, col.Value.(Entity))
		if err != nil {
			return nil, nil, err
		}
		resolved[resolveKey(col.Ptr)] = canonical
	}
	if err := c.st.PutBlob(ctx, cls.name, key, attr, data); err != nil {
		return nil, nil, err
	}
	return data, resolved, nil
}

// decodeBlob runs the codec's two passes on a store-loaded blob: scan for
// referenced entities, obtain all of them (possibly recursing into further
// decodes), then substitute the canonical instances.
func (c *cache) decodeBlob(ctx context.Context, data []byte) (any, error) {
	ptrs, err := wire.Scan(data)
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]Entity, len(ptrs))
	for _, p := range ptrs {
		cls, err := classByName(p.Class)
		if err != nil {
			return nil, err
		}
		id, err := ident.Decode(p.Identity)
		if err != nil {
			return nil, err
		}
		e, err := c.Obtain(ctx, cls, id...)
		if err != nil {
			return nil, err
		}
		resolved[resolveKey(p)] = e
	}
	return c.decodeResolved(data, resolved)
}

func (c *cache) decodeResolved(data []byte, resolved map[string]Entity) (any, error) {
	return wire.Decode(data, graphModel{}, func(p wire.Pointer) (any, bool) {
		e, ok := resolved[resolveKey(p)]
		if !ok {
			return nil, false
		}
		return e, true
	})
}

func resolveKey(p wire.Pointer) string {
	return p.Class + "\x00" + hex.EncodeToString(p.Identity)
}

// registerAndPersist is the write path shared by Obtain's source tier and
// Add: upsert the record, publish the instance in the identity map, set the
// association. Losing a registration race discards the argument and hands
// back the canonical instance.
func (c *cache) registerAndPersist(ctx context.Context, cls *Class, key string, e Entity) (Entity, error) {
	if existing := c.lookup(cls, key); existing != nil {
		return existing, nil
	}
	values, err := cls.values(e)
	if err != nil {
		return nil, err
	}
	if err := c.st.PutRecord(ctx, cls.schema, values); err != nil {
		return nil, err
	}
	return c.register(cls, key, e)
}

// register publishes e in the identity map and binds it to this cache.
func (c *cache) register(cls *Class, key string, e Entity) (Entity, error) {
	c.mu.Lock()
	tbl, ok := c.entities[cls]
	if !ok {
		tbl = make(map[string]Entity)
		c.entities[cls] = tbl
	}
	if existing, ok := tbl[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	tbl[key] = e
	c.mu.Unlock()

	if err := e.entityBase().bind(c, cls.name); err != nil {
		c.mu.Lock()
		delete(tbl, key)
		c.mu.Unlock()
		return nil, err
	}
	return e, nil
}

func (c *cache) lookup(cls *Class, key string) Entity {
	c.mu.Lock()
	e := c.entities[cls][key]
	c.mu.Unlock()
	return e
}

func (c *cache) lookupAttr(cls *Class, key, attr string) (any, bool) {
	c.mu.Lock()
	v, ok := c.attrs[cls][key][attr]
	c.mu.Unlock()
	return v, ok
}

func (c *cache) memoizeAttr(cls *Class, key, attr string, v any) {
	c.mu.Lock()
	byID, ok := c.attrs[cls]
	if !ok {
		byID = make(map[string]map[string]any)
		c.attrs[cls] = byID
	}
	byAttr, ok := byID[key]
	if !ok {
		byAttr = make(map[string]any)
		byID[key] = byAttr
	}
	byAttr[attr] = v
	c.mu.Unlock()
}

func attrLockKey(cls *Class, key, attr string) string {
	return "attr\x00" + cls.name + "\x00" + key + "\x00" + attr
}

// normalizeIdentity canonicalizes identity arguments and validates arity.
func normalizeIdentity(cls *Class, identity []any) ([]any, error) {
	if len(identity) != len(cls.keyIdx) {
		return nil, &ContractError{
			Class: cls.name, Op: "obtain",
			Detail: fmt.Sprintf("identity has %d values, class key has %d fields", len(identity), len(cls.keyIdx)),
		}
	}
	return ident.Normalize(identity)
}

// validateConstructed enforces the source contract: the constructor must
// return an instance of the requested class with the requested identity.
func validateConstructed(cls *Class, id []any, e Entity) error {
	got, err := classOf(e)
	if err != nil {
		return err
	}
	if got != cls {
		return &ContractError{
			Class: cls.name, Op: "obtain",
			Detail: fmt.Sprintf("source constructed %s instead", got.name),
		}
	}
	gotID, err := cls.identityOf(e)
	if err != nil {
		return err
	}
	wantKey, err := ident.Key(id)
	if err != nil {
		return err
	}
	gotKey, err := ident.Key(gotID)
	if err != nil {
		return err
	}
	if gotKey != wantKey {
		return &ContractError{
			Class: cls.name, Op: "obtain",
			Detail: fmt.Sprintf("source constructed identity %v, requested %v", gotID, id),
		}
	}
	return nil
}
