// Package redis provides a Redis-backed storage backend with native TTL
// expiry. Session creation rides on SET NX for an atomic first-write
// guard, and updates go through a server-side Lua script so the
// exists-check and the write are one atomic step even with several relay
// processes sharing the store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mcprelay/internal/storage"
	"mcprelay/pkg/logging"
)

// DefaultKeyPrefix namespaces all keys written by this backend.
const DefaultKeyPrefix = "mcprelay:"

// updateScript replaces a session record only when it already exists.
// KEYS[1] = record key, ARGV[1] = payload, ARGV[2] = ttl seconds (0 = none).
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// Config contains the Redis backend configuration.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix namespaces all keys; defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// Store implements storage.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, prefix: prefix}, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

// CreateSession persists a new record via SET NX; a surviving record with
// the same key fails the call.
func (s *Store) CreateSession(ctx context.Context, record *storage.SessionRecord, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	created, err := s.client.SetNX(ctx, s.key(storage.SessionKey(record.Identity, record.SessionID)), payload, expiry).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return storage.ErrSessionExists
	}

	if err := s.client.SAdd(ctx, s.key(storage.SessionIndexKey(record.Identity)), record.SessionID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// UpdateSession replaces an existing record atomically via the Lua
// update script; it never creates.
func (s *Store) UpdateSession(ctx context.Context, record *storage.SessionRecord, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	key := s.key(storage.SessionKey(record.Identity, record.SessionID))
	updated, err := updateScript.Run(ctx, s.client, []string{key}, payload, ttlSeconds(ttl)).Int()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if updated == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// GetSession returns the record or storage.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, identity, sessionID string) (*storage.SessionRecord, error) {
	payload, err := s.client.Get(ctx, s.key(storage.SessionKey(identity, sessionID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var record storage.SessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

// DeleteSession removes the record and its index entry.
func (s *Store) DeleteSession(ctx context.Context, identity, sessionID string) error {
	if err := s.client.Del(ctx, s.key(storage.SessionKey(identity, sessionID))).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.client.SRem(ctx, s.key(storage.SessionIndexKey(identity)), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}
	return nil
}

// ListSessions resolves the per-identity index. Index members whose
// records expired are pruned as a side effect.
func (s *Store) ListSessions(ctx context.Context, identity string) ([]*storage.SessionRecord, error) {
	indexKey := s.key(storage.SessionIndexKey(identity))
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]*storage.SessionRecord, 0, len(ids))
	var stale []interface{}
	for _, sessionID := range ids {
		record, err := s.GetSession(ctx, identity, sessionID)
		if errors.Is(err, storage.ErrSessionNotFound) {
			stale = append(stale, sessionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			logging.Warn("RedisStore", "Failed to prune %d stale index entries for identity %s: %v", len(stale), identity, err)
		}
	}
	return records, nil
}

// Get retrieves a value; nil when absent (expiry is native).
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	if err := s.client.Set(ctx, s.key(key), value, expiry).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent stores a value only when the key is absent, via SET NX.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	written, err := s.client.SetNX(ctx, s.key(key), value, expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return written, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// CleanupExpiredSessions is mostly a no-op: Redis expires keys natively.
// The sweep only prunes index members whose records are gone, by walking
// every identity index under the prefix.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	pattern := s.key(storage.SessionIndexKey("*"))
	removed := 0

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to read index %s: %w", indexKey, err)
		}
		// Index key layout: <prefix>sessidx:<identity>
		identity := indexKey[len(s.key("sessidx:")):]
		for _, sessionID := range ids {
			exists, err := s.client.Exists(ctx, s.key(storage.SessionKey(identity, sessionID))).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to check session %s: %w", sessionID, err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, indexKey, sessionID).Err(); err != nil {
					return removed, fmt.Errorf("failed to prune index entry: %w", err)
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("index scan failed: %w", err)
	}
	return removed, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
