package resultstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// DefaultRedisPrefix is used when no prefix is configured.
const DefaultRedisPrefix = "statsrunner:result:"

const purgeScanCount = 500

// RedisStore keeps one key per record: <prefix><job id> -> JSON envelope.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("resultstore: redis backend requires a URL")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("resultstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("resultstore: ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id types.JobID) string {
	return s.prefix + id.String()
}

func (s *RedisStore) Save(ctx context.Context, rec types.Record) error {
	data, err := encodeEnvelope(rec)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.key(rec.JobID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("resultstore: setnx (key=%s): %w", s.key(rec.JobID), err)
	}
	if !created {
		return fmt.Errorf("%w: job %d", ErrAlreadyExists, rec.JobID)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id types.JobID) (types.Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Record{}, fmt.Errorf("%w: job %d", ErrNotFound, id)
		}
		return types.Record{}, fmt.Errorf("resultstore: get (key=%s): %w", s.key(id), err)
	}
	return decodeEnvelope(id, data)
}

// Purge scans for every key under the prefix and deletes them in batches.
func (s *RedisStore) Purge(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", purgeScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("resultstore: scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("resultstore: del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	slog.DebugContext(ctx, "purged redis results", "prefix", s.prefix, "count", removed)
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
