package cachedview

import (
	"errors"
	"fmt"
)

// ErrNoSource reports an Obtain against a class registered without a source
// constructor when neither memory nor the store had the entity.
var ErrNoSource = errors.New("cachedview: class has no source constructor")

// ContractError reports a bug in an entity definition or in calling code:
// a constructor returning the wrong class or identity, re-associating an
// entity with a different cache, or an identity field that does not exist.
// It is fatal, never a transient condition.
type ContractError struct {
	Class  string
	Op     string
	Detail string
}

func (e *ContractError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("cachedview: contract violation in %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("cachedview: contract violation in %s (class %s): %s", e.Op, e.Class, e.Detail)
}

// ShapeError reports a derived-attribute result of a disallowed shape, e.g.
// a plain mutable slice where an open Tuple was declared. Raised before
// anything is persisted.
type ShapeError struct {
	Class string
	Attr  string
	Got   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("cachedview: attribute %s.%s: disallowed result shape: %s", e.Class, e.Attr, e.Got)
}

// DefinitionError reports an invalid class or attribute registration.
type DefinitionError struct {
	Class  string
	Attr   string
	Detail string
}

func (e *DefinitionError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("cachedview: invalid definition of %s.%s: %s", e.Class, e.Attr, e.Detail)
	}
	return fmt.Sprintf("cachedview: invalid definition of class %s: %s", e.Class, e.Detail)
}
