package store

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrNilClient = errors.New("store: nil redis client")

// Redis persists records and blobs in Redis. Records are stored as
// msgpack-encoded column maps, blobs as raw bytes. Schema creation is a
// no-op for a key/value engine, so the create-and-retry path never triggers.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Store = (*Redis)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix namespaces all keys, e.g. "cv". Empty means no prefix.
	Prefix string
	// CloseClient should be true only when this store exclusively owns
	// the client.
	CloseClient bool
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

// OpenRedis connects using a redis:// or rediss:// URL and owns the
// resulting client.
func OpenRedis(dsn string) (*Redis, error) {
	opt, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: redis dsn: %w", err)
	}
	return NewRedis(RedisConfig{Client: goredis.NewClient(opt), CloseClient: true})
}

func (r *Redis) PutRecord(ctx context.Context, s Schema, values []any) error {
	if len(values) != len(s.Columns) {
		return fmt.Errorf("store: %s: %d values for %d columns", s.Class, len(values), len(s.Columns))
	}
	row := make(map[string]any, len(s.Columns))
	for i, c := range s.Columns {
		row[c] = values[i]
	}
	payload, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encode %s record: %w", s.Class, err)
	}
	key, err := r.recordKey(s, values)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("store: put %s record: %w", s.Class, err)
	}
	return nil
}

func (r *Redis) GetRecord(ctx context.Context, s Schema, key []any) ([]any, error) {
	b, err := r.rdb.Get(ctx, r.key("rec", s.Class, keyString(key))).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s record: %w", s.Class, err)
	}
	var row map[string]any
	if err := msgpack.Unmarshal(b, &row); err != nil {
		return nil, fmt.Errorf("store: decode %s record: %w", s.Class, err)
	}
	values := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		values[i] = row[c]
	}
	return values, nil
}

func (r *Redis) PutBlob(ctx context.Context, class, id, attr string, data []byte) error {
	if err := r.rdb.Set(ctx, r.key("blob", class, id+":"+attr), data, 0).Err(); err != nil {
		return fmt.Errorf("store: put blob %s/%s/%s: %w", class, id, attr, err)
	}
	return nil
}

func (r *Redis) GetBlob(ctx context.Context, class, id, attr string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.key("blob", class, id+":"+attr)).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get blob %s/%s/%s: %w", class, id, attr, err)
	}
	return b, nil
}

// Close releases the client only when this store owns it. Safe to call more
// than once.
func (r *Redis) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (r *Redis) recordKey(s Schema, values []any) (string, error) {
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
	return r.key("rec", s.Class, keyString(key)), nil
}

func (r *Redis) key(kind, class, rest string) string {
	if r.prefix != "" {
		return r.prefix + ":" + kind + ":" + class + ":" + rest
	}
	return kind + ":" + class + ":" + rest
}
