// Package storage persists small session- and plugin-scoped values for the
// proxy: plugin state surviving module restarts, session bookkeeping. Two
// backends exist: an in-memory LRU for single-host sessions and a redis
// store for remote hosts that outlive one proxy process.
package storage

import (
	"context"
	"errors"
	"time"
)

// Store is the key-value surface behind the storage.* RPC methods.
type Store interface {
	// Get retrieves the item at key within the scoped namespace. A missing
	// or expired key returns a nil item, not an error.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data at key within the scoped namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key named via WithKey, or the whole scoped
	// namespace when no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is one stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// Expired reports whether the item's TTL has lapsed.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Scope partitions keys. A nil scope addresses host-global storage.
type Scope interface {
	scope()
}

// SessionScope holds values tied to one frontend session.
type SessionScope struct {
	SessionID string
}

func (SessionScope) scope() {}

// PluginScope holds values owned by one plugin within one session.
type PluginScope struct {
	SessionID string
	Plugin    string
}

func (PluginScope) scope() {}

// Options collects per-operation configuration.
type Options struct {
	Scope Scope
	Key   *string
	TTL   *time.Duration
}

// Option configures one storage operation.
type Option func(*Options)

// WithSession scopes the operation to one session.
func WithSession(sessionID string) Option {
	return func(o *Options) { o.Scope = SessionScope{SessionID: sessionID} }
}

// WithPlugin scopes the operation to one plugin within a session.
func WithPlugin(sessionID, plugin string) Option {
	return func(o *Options) { o.Scope = PluginScope{SessionID: sessionID, Plugin: plugin} }
}

// WithKey names a specific key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL expires the value after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// Apply folds opts into an Options value.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrInvalidOptions is returned when incompatible options are combined.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
