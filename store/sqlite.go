package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLite persists records and blobs in a SQLite database.
//
// Entity tables are created lazily: the first upsert against a class whose
// table does not exist yet creates it (columns from the schema, primary key
// from the identity columns) and retries once. The blob table is created at
// open. Path ":memory:" yields a non-persistent database.
type SQLite struct {
	db *sql.DB

	mu        sync.Mutex
	selectors map[string]string
	upsertors map[string]string
}

var _ Store = (*SQLite)(nil)

const blobTableDDL = `CREATE TABLE IF NOT EXISTS attr_blobs (
	class TEXT NOT NULL,
	id TEXT NOT NULL,
	attr TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (class, id, attr)
)`

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// A single connection sidesteps per-connection :memory: databases and
	// sqlite's single-writer locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(blobTableDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create blob table: %w", err)
	}
	return &SQLite{
		db:        db,
		selectors: make(map[string]string),
		upsertors: make(map[string]string),
	}, nil
}

func (s *SQLite) PutRecord(ctx context.Context, sc Schema, values []any) error {
	if len(values) != len(sc.Columns) {
		return fmt.Errorf("store: %s: %d values for %d columns", sc.Class, len(values), len(sc.Columns))
	}
	stmt := s.upsertor(sc)
	if _, err := s.db.ExecContext(ctx, stmt, values...); err != nil {
		if !isMissingTable(err) {
			return fmt.Errorf("store: upsert %s: %w", sc.Class, err)
		}
		if err := s.createTable(ctx, sc); err != nil {
			return err
		}
		// retry exactly once after on-demand schema creation
		if _, err := s.db.ExecContext(ctx, stmt, values...); err != nil {
			return fmt.Errorf("store: upsert %s after create: %w", sc.Class, err)
		}
	}
	return nil
}

func (s *SQLite) GetRecord(ctx context.Context, sc Schema, key []any) ([]any, error) {
	row := s.db.QueryRowContext(ctx, s.selector(sc), key...)
	values := make([]any, len(sc.Columns))
	dest := make([]any, len(sc.Columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		// A class that was never written has no table; that is a miss,
		// not a failure.
		if isMissingTable(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: select %s: %w", sc.Class, err)
	}
	return values, nil
}

func (s *SQLite) PutBlob(ctx context.Context, class, id, attr string, data []byte) error {
	const stmt = `INSERT INTO attr_blobs (class, id, attr, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (class, id, attr) DO UPDATE SET data = excluded.data`
	if _, err := s.db.ExecContext(ctx, stmt, class, id, attr, data); err != nil {
		return fmt.Errorf("store: upsert blob %s/%s/%s: %w", class, id, attr, err)
	}
	return nil
}

func (s *SQLite) GetBlob(ctx context.Context, class, id, attr string) ([]byte, error) {
	const stmt = `SELECT data FROM attr_blobs WHERE class = ? AND id = ? AND attr = ?`
	var data []byte
	if err := s.db.QueryRowContext(ctx, stmt, class, id, attr).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: select blob %s/%s/%s: %w", class, id, attr, err)
	}
	return data, nil
}

func (s *SQLite) Close(context.Context) error { return s.db.Close() }

func (s *SQLite) createTable(ctx context.Context, sc Schema) error {
	cols := make([]string, len(sc.Columns))
	for i, c := range sc.Columns {
		cols[i] = quoteIdent(c)
	}
	keys := make([]string, len(sc.Key))
	for i, k := range sc.Key {
		keys[i] = quoteIdent(k)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		tableName(sc.Class), strings.Join(cols, ", "), strings.Join(keys, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: create table for %s: %w", sc.Class, err)
	}
	return nil
}

func (s *SQLite) selector(sc Schema) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.selectors[sc.Class]; ok {
		return stmt
	}
	cols := make([]string, len(sc.Columns))
	for i, c := range sc.Columns {
		cols[i] = quoteIdent(c)
	}
	where := make([]string, len(sc.Key))
	for i, k := range sc.Key {
		where[i] = quoteIdent(k) + " = ?"
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), tableName(sc.Class), strings.Join(where, " AND "))
	s.selectors[sc.Class] = stmt
	return stmt
}

func (s *SQLite) upsertor(sc Schema) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.upsertors[sc.Class]; ok {
		return stmt
	}
	cols := make([]string, len(sc.Columns))
	sets := make([]string, len(sc.Columns))
	for i, c := range sc.Columns {
		q := quoteIdent(c)
		cols[i] = q
		sets[i] = q + " = excluded." + q
	}
	keys := make([]string, len(sc.Key))
	for i, k := range sc.Key {
		keys[i] = quoteIdent(k)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName(sc.Class),
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(keys, ", "),
		strings.Join(sets, ", "))
	s.upsertors[sc.Class] = stmt
	return stmt
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func tableName(class string) string {
	return quoteIdent("ent_" + class)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
