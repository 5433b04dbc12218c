package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is a transient in-process Store, selected when no DSN is given.
// Nothing survives the process; it exists so caching stays a drop-in even
// before a durable path is configured, and it doubles as the reference
// implementation for tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string][]any // class -> key -> values
	blobs   map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string][]any),
		blobs:   make(map[string][]byte),
	}
}

func (m *Memory) PutRecord(_ context.Context, s Schema, values []any) error {
	if len(values) != len(s.Columns) {
		return fmt.Errorf("store: %s: %d values for %d columns", s.Class, len(values), len(s.Columns))
	}
	key, err := recordKey(s, values)
	if err != nil {
		return err
	}
	stored := make([]any, len(values))
	copy(stored, values)

	m.mu.Lock()
	tbl, ok := m.records[s.Class]
	if !ok {
		tbl = make(map[string][]any)
		m.records[s.Class] = tbl
	}
	tbl[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRecord(_ context.Context, s Schema, key []any) ([]any, error) {
	k := keyString(key)
	m.mu.RLock()
	values, ok := m.records[s.Class][k]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]any, len(values))
	copy(out, values)
	return out, nil
}

func (m *Memory) PutBlob(_ context.Context, class, id, attr string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.mu.Lock()
	m.blobs[blobKey(class, id, attr)] = stored
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBlob(_ context.Context, class, id, attr string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[blobKey(class, id, attr)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Close(context.Context) error { return nil }

// recordKey extracts the identity values out of a full value row.
func recordKey(s Schema, values []any) (string, error) {
	key := make([]any, 0, len(s.Key))
	for _, kc := range s.Key {
		found := false
		for i, c := range s.Columns {
			if c == kc {
				key = append(key, values[i])
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("store: %s: key column %q not in schema", s.Class, kc)
		}
	}
	return keyString(key), nil
}

func keyString(key []any) string {
	var b strings.Builder
	for _, v := range key {
		fmt.Fprintf(&b, "%T=%v\x1f", v, v)
	}
	return b.String()
}

func blobKey(class, id, attr string) string {
	return class + "\x1f" + id + "\x1f" + attr
}
