// Package memory implements storage.Store in process memory, backed by an
// LRU cache so a misbehaving plugin cannot grow the host without bound.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/amas-editor/host-proxy-go/storage"
)

const cleanupInterval = 5 * time.Minute

// Store is the in-memory storage backend.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]
	stop  chan struct{}
	once  sync.Once
}

// New creates a store holding at most maxItems values across all scopes.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s := &Store{cache: cache, stop: make(chan struct{})}
	go s.reapExpired()
	return s, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts)
	fullKey := buildKey(o.Scope, key)

	s.mu.RLock()
	item, ok := s.cache.Get(fullKey)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.Expired() {
		s.mu.Lock()
		s.cache.Remove(fullKey)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts)
	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		expires := now.Add(*o.TTL)
		item.ExpiresAt = &expires
	}

	s.mu.Lock()
	s.cache.Add(buildKey(o.Scope, key), item)
	s.mu.Unlock()
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(buildKey(o.Scope, *o.Key))
		return nil
	}
	// The LRU has no prefix iteration; sweep its key list.
	prefix := scopePrefix(o.Scope)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// reapExpired periodically drops expired items so they do not squat LRU
// slots until next access.
func (s *Store) reapExpired() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

func buildKey(scope storage.Scope, key string) string {
	return scopePrefix(scope) + "key:" + key
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

var _ storage.Store = (*Store)(nil)
