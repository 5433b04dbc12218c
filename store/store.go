// Package store defines the durable persistence abstraction behind a cache.
//
// A Store keeps two kinds of data: entity records (one logical table per
// class, keyed by the class's identity columns) and attribute blobs (a single
// keyspace keyed by class name, stringified identity and attribute name).
// Missing data is a normal outcome, reported as ErrNotFound and never
// conflated with I/O failure.
package store

import (
	"context"
	"errors"
)

// ErrNotFound reports a clean miss on a record or blob lookup.
var ErrNotFound = errors.New("store: not found")

// Schema describes one class's record layout.
type Schema struct {
	// Class is the class name; implementations derive table/key names
	// from it.
	Class string
	// Columns lists all persisted columns in a fixed order. PutRecord
	// values and GetRecord results follow this order.
	Columns []string
	// Key lists the identity columns, a non-empty ordered subset of
	// Columns. GetRecord key values follow this order.
	Key []string
}

// Store persists entity records and attribute blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// PutRecord upserts a record. If the class's table does not exist
	// yet, the implementation creates it from the schema and retries the
	// upsert exactly once; any other failure propagates.
	PutRecord(ctx context.Context, s Schema, values []any) error

	// GetRecord returns the column values for the record with the given
	// identity key, or ErrNotFound.
	GetRecord(ctx context.Context, s Schema, key []any) ([]any, error)

	// PutBlob upserts an attribute blob.
	PutBlob(ctx context.Context, class, id, attr string, data []byte) error

	// GetBlob returns an attribute blob or ErrNotFound.
	GetBlob(ctx context.Context, class, id, attr string) ([]byte, error)

	// Close releases resources. A closed store rejects further calls.
	Close(ctx context.Context) error
}
