// Package redis implements storage.Store on redis, for remote hosts whose
// plugin state should outlive one proxy process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amas-editor/host-proxy-go/storage"
)

// DefaultKeyPrefix namespaces this proxy's keys inside a shared redis.
const DefaultKeyPrefix = "amas:storage:"

// Config configures the redis storage backend.
type Config struct {
	// Client is the redis client to use. Required.
	Client *redis.Client
	// KeyPrefix overrides DefaultKeyPrefix.
	KeyPrefix string
}

// Store is the redis storage backend.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem is the JSON shape written to redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts)
	fullKey := s.buildKey(o.Scope, key)

	result := s.client.Get(ctx, fullKey)
	if err := result.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", fullKey, err)
	}

	var stored storedItem
	if err := json.Unmarshal([]byte(result.Val()), &stored); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fullKey, err)
	}
	item := &storage.Item{
		Data:      stored.Data,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if item.Expired() {
		// Redis TTL normally expires it first; clock skew can leave a
		// stale value behind.
		s.client.Del(ctx, fullKey)
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts)
	fullKey := s.buildKey(o.Scope, key)

	now := time.Now()
	stored := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		expires := now.Add(*o.TTL)
		stored.ExpiresAt = &expires
		ttl = *o.TTL
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fullKey, err)
	}
	if err := s.client.Set(ctx, fullKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", fullKey, err)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts)

	if o.Key != nil {
		fullKey := s.buildKey(o.Scope, *o.Key)
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", fullKey, err)
		}
		return nil
	}

	pattern := s.scopePattern(o.Scope)
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete scope keys: %w", err)
		}
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(scope storage.Scope, key string) string {
	return s.keyPrefix + scopePrefix(scope) + "key:" + key
}

// scopePattern matches every key under the scope. A session's pattern covers
// its plugin scopes too, so a session-scope delete removes plugin state.
func (s *Store) scopePattern(scope storage.Scope) string {
	return s.keyPrefix + scopePrefix(scope) + "*"
}

func scopePrefix(scope storage.Scope) string {
	switch sc := scope.(type) {
	case storage.SessionScope:
		return "session:" + sc.SessionID + ":"
	case storage.PluginScope:
		return "session:" + sc.SessionID + ":plugin:" + sc.Plugin + ":"
	default:
		return "global:"
	}
}

// scanKeys collects every key matching pattern via SCAN, in batches.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		result := s.client.Scan(ctx, cursor, pattern, 100)
		if err := result.Err(); err != nil {
			return nil, err
		}
		batch, next := result.Val()
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Store = (*Store)(nil)
