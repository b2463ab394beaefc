// Package storage defines the generic TTL cache that backs short-lived
// server state such as resumable event streams.
//
// Implementations only need key/value semantics with per-entry expiry; the
// layers built on top push all retention policy down to the cache.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key/value cache with optional per-entry TTL.
type Storage interface {
	// Get retrieves the item stored under key. A missing or expired key
	// yields a nil item and a nil error; errors are reserved for backend
	// failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with its bookkeeping timestamps.
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was written
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired reports whether the item is past its expiry at now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of Option values.
type Options struct {
	Namespace string         // Optional: keys are isolated per namespace ("" = global)
	TTL       *time.Duration // Optional: time-to-live for Set
}

// Apply resolves opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidTTL is returned by Set when a non-positive TTL is supplied.
var ErrInvalidTTL = errors.New("storage: ttl must be positive")
